package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

func newLifecycleFixture(t *testing.T, tokenURL string) (*TokenManager, *store.Store, string) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user, err := st.UpsertUserByGoogleID(context.Background(), store.UpsertUserParams{
		GoogleID:     "google-1",
		Email:        "jane@example.com",
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	cfg := oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return NewTokenManager(cfg, st), st, user.ID
}

func refreshEndpoint(calls *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
}

func TestEnsureValidFutureExpiryReturnsStoredToken(t *testing.T) {
	var calls atomic.Int32
	srv := refreshEndpoint(&calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	})
	defer srv.Close()

	m, _, userID := newLifecycleFixture(t, srv.URL)

	token, err := m.EnsureValid(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, "stored-access", token)
	require.EqualValues(t, 0, calls.Load(), "valid token must not trigger a remote call")
}

func TestEnsureValidExpiryNowTriggersRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := refreshEndpoint(&calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	})
	defer srv.Close()

	m, st, userID := newLifecycleFixture(t, srv.URL)
	ctx := context.Background()

	// expiry == now counts as expired.
	require.NoError(t, st.PutCredential(ctx, userID, store.Credential{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now(),
	}))

	token, err := m.EnsureValid(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.EqualValues(t, 1, calls.Load())

	// New access token and expiry persisted, refresh token preserved.
	cred, err := st.GetCredential(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "fresh", cred.AccessToken)
	require.Equal(t, "stored-refresh", cred.RefreshToken)
	require.True(t, cred.Expiry.After(time.Now().Add(30*time.Minute)))
}

func TestEnsureValidInvalidGrantClearsCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := refreshEndpoint(&calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	})
	defer srv.Close()

	m, st, userID := newLifecycleFixture(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, st.PutCredential(ctx, userID, store.Credential{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	_, err := m.EnsureValid(ctx, userID)
	require.True(t, apperr.IsKind(err, apperr.KindReauthRequired), "got %v", err)

	// Terminal rejection clears all three credential fields.
	_, err = st.GetCredential(ctx, userID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnsureValidTransientFailureKeepsCredentials(t *testing.T) {
	// Connection refused: the server is closed before the refresh runs.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m, st, userID := newLifecycleFixture(t, url)
	ctx := context.Background()

	require.NoError(t, st.PutCredential(ctx, userID, store.Credential{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	_, err := m.EnsureValid(ctx, userID)
	require.True(t, apperr.IsKind(err, apperr.KindRefreshTransientFailure), "got %v", err)

	cred, err := st.GetCredential(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "stored-access", cred.AccessToken)
	require.Equal(t, "stored-refresh", cred.RefreshToken)
}

func TestEnsureValidServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := refreshEndpoint(&calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	m, st, userID := newLifecycleFixture(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, st.PutCredential(ctx, userID, store.Credential{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	_, err := m.EnsureValid(ctx, userID)
	require.True(t, apperr.IsKind(err, apperr.KindRefreshTransientFailure), "got %v", err)

	_, err = st.GetCredential(ctx, userID)
	require.NoError(t, err)
}

func TestEnsureValidNoRefreshTokenRequiresReauth(t *testing.T) {
	var calls atomic.Int32
	srv := refreshEndpoint(&calls, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	m, st, userID := newLifecycleFixture(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, st.ClearCredential(ctx, userID))
	require.NoError(t, st.PutCredential(ctx, userID, store.Credential{
		AccessToken: "stored-access",
		Expiry:      time.Now().Add(-time.Minute),
	}))

	_, err := m.EnsureValid(ctx, userID)
	require.True(t, apperr.IsKind(err, apperr.KindReauthRequired), "got %v", err)
	require.EqualValues(t, 0, calls.Load(), "no refresh attempt without a refresh token")
}

func TestEnsureValidNoCredentialsRequiresReauth(t *testing.T) {
	m, st, userID := newLifecycleFixture(t, "http://unused.invalid/token")
	ctx := context.Background()

	require.NoError(t, st.ClearCredential(ctx, userID))

	_, err := m.EnsureValid(ctx, userID)
	require.True(t, apperr.IsKind(err, apperr.KindReauthRequired), "got %v", err)
}

func TestEnsureValidMissingConfiguration(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	m := NewTokenManager(oauth2.Config{}, st)
	_, err = m.EnsureValid(context.Background(), "anyone")
	require.True(t, apperr.IsKind(err, apperr.KindMissingConfiguration), "got %v", err)
}
