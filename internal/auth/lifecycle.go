package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

// TokenManager guarantees that any operation touching the Gmail API holds a
// currently-valid access token before proceeding.
type TokenManager struct {
	oauth      oauth2.Config
	configured bool
	store      *store.Store
}

// NewTokenManager creates the token lifecycle manager.
func NewTokenManager(oauth oauth2.Config, st *store.Store) *TokenManager {
	configured := oauth.ClientID != "" && oauth.ClientSecret != ""
	return &TokenManager{oauth: oauth, configured: configured, store: st}
}

// EnsureValid returns a usable access token for the user. A token whose
// expiry is still in the future is returned as stored, with no remote call.
// An expired token is refreshed when a refresh token exists; a terminal
// rejection of the refresh token clears the stored credentials and demands
// re-authentication, while transport failures leave them untouched.
func (m *TokenManager) EnsureValid(ctx context.Context, userID string) (string, error) {
	if !m.configured {
		return "", apperr.E(apperr.KindMissingConfiguration, "Google OAuth client is not configured", nil)
	}

	cred, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.E(apperr.KindReauthRequired, "no Google credentials on file", err)
	}
	if err != nil {
		return "", err
	}

	// Cheap path: expiry strictly in the future means the token is valid.
	if cred.Expiry.After(time.Now()) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		return "", apperr.E(apperr.KindReauthRequired, "access token expired and no refresh token stored", nil)
	}

	return m.refresh(ctx, userID, cred)
}

// refresh performs the refresh exchange against the token endpoint and
// classifies the outcome before anything crosses this boundary.
func (m *TokenManager) refresh(ctx context.Context, userID string, cred *store.Credential) (string, error) {
	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && grantRevoked(rerr) {
			// The grant itself is dead. Clearing is the side effect the
			// caller relies on to send the user back through consent.
			slog.Warn("refresh token rejected, clearing credentials",
				"user_id", userID, "oauth_error", rerr.ErrorCode, "detail", rerr.ErrorDescription)
			if clearErr := m.store.ClearCredential(ctx, userID); clearErr != nil {
				slog.Error("failed to clear credentials", "user_id", userID, "error", clearErr)
			}
			return "", apperr.E(apperr.KindReauthRequired, "Google rejected the stored refresh token", err)
		}

		slog.Warn("token refresh failed transiently", "user_id", userID, "error", err)
		return "", apperr.E(apperr.KindRefreshTransientFailure, "token refresh failed, retry later", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(fallbackTokenTTL)
	}

	// An empty RefreshToken here keeps the stored one; Google only reissues
	// on forced consent.
	if err := m.store.PutCredential(ctx, userID, store.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiry,
	}); err != nil {
		return "", err
	}

	slog.Info("access token refreshed", "user_id", userID, "expiry", expiry)
	return tok.AccessToken, nil
}

// grantRevoked reports whether the token endpoint explicitly rejected the
// grant, as opposed to failing for reasons that may pass on retry. The
// decision reads the structured OAuth error code, not the message text.
func grantRevoked(rerr *oauth2.RetrieveError) bool {
	switch rerr.ErrorCode {
	case "invalid_grant", "unauthorized_client", "access_denied":
		return true
	}
	if rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized {
		return true
	}
	return false
}
