package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/config"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

// fallbackTokenTTL is assumed when Google's response carries no lifetime.
const fallbackTokenTTL = time.Hour

// OAuthConfig builds the oauth2 client config from application settings.
// It is a plain value: per-call token state is always passed explicitly,
// never mutated onto a shared client.
func OAuthConfig(cfg *config.Config) oauth2.Config {
	return oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes: []string{
			goauth2.UserinfoEmailScope,
			goauth2.UserinfoProfileScope,
			gmail.GmailReadonlyScope,
		},
		Endpoint: google.Endpoint,
	}
}

// Identity is the profile Google reports for an access token.
type Identity struct {
	GoogleID      string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
}

// Flow drives the authorization-code exchange and binds remote identities to
// local users.
type Flow struct {
	oauth      oauth2.Config
	configured bool
	store      *store.Store
}

// NewFlow creates the OAuth2 flow handler.
func NewFlow(cfg *config.Config, st *store.Store) *Flow {
	return &Flow{
		oauth:      OAuthConfig(cfg),
		configured: cfg.OAuthConfigured(),
		store:      st,
	}
}

// AuthURL returns the Google consent URL. Offline access plus forced consent
// makes Google issue a refresh token even for returning users; without the
// force it only comes on first consent.
func (f *Flow) AuthURL(state string) (string, error) {
	if !f.configured {
		return "", apperr.E(apperr.KindMissingConfiguration, "Google OAuth client is not configured", nil)
	}
	return f.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades a single-use authorization code for tokens. Failures are
// not retried; the user restarts the flow.
func (f *Flow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if !f.configured {
		return nil, apperr.E(apperr.KindMissingConfiguration, "Google OAuth client is not configured", nil)
	}

	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		slog.Error("authorization code exchange failed", "error", err)
		return nil, apperr.E(apperr.KindExchangeFailed, "authorization code exchange failed", err)
	}
	return tok, nil
}

// FetchIdentity looks up the Google profile behind an access token.
func (f *Flow) FetchIdentity(ctx context.Context, tok *oauth2.Token) (*Identity, error) {
	svc, err := goauth2.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(tok)))
	if err != nil {
		return nil, apperr.E(apperr.KindIdentityFetchFailed, "failed to create identity client", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		slog.Error("identity fetch failed", "error", err)
		return nil, apperr.E(apperr.KindIdentityFetchFailed, "failed to fetch Google profile", err)
	}

	verified := info.VerifiedEmail != nil && *info.VerifiedEmail
	return &Identity{
		GoogleID:      info.Id,
		Email:         info.Email,
		Name:          info.Name,
		Picture:       info.Picture,
		EmailVerified: verified,
	}, nil
}

// Bind upserts the local user for a remote identity and stores the tokens.
// Unverified Google emails are rejected outright. The refresh token is
// replaced only when Google supplied a new one.
func (f *Flow) Bind(ctx context.Context, id *Identity, tok *oauth2.Token) (*store.User, error) {
	if !id.EmailVerified {
		return nil, apperr.E(apperr.KindValidationFailed, "Google account email is not verified", nil)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(fallbackTokenTTL)
	}

	user, err := f.store.UpsertUserByGoogleID(ctx, store.UpsertUserParams{
		GoogleID:     id.GoogleID,
		Email:        id.Email,
		Name:         id.Name,
		Picture:      id.Picture,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  expiry,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", "user_id", user.ID, "email", user.Email)
	return user, nil
}
