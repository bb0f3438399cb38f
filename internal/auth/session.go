package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// SessionTTL is how long an issued session token stays valid, independent of
// the Google token lifetime.
const SessionTTL = 24 * time.Hour

// Session is the verified content of an application-issued bearer token.
type Session struct {
	UserID    string
	GoogleID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionIssuer signs and verifies the application's own bearer tokens.
// Verification needs no network or database round trip; user existence and
// active-state are checked separately per request.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionIssuer creates an issuer signing with the given HMAC secret.
func NewSessionIssuer(secret []byte) *SessionIssuer {
	return &SessionIssuer{secret: secret, ttl: SessionTTL}
}

// Issue mints a signed token bound to the local user id.
func (s *SessionIssuer) Issue(userID, googleID string) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(userID).
		Claim("gid", googleID).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates a raw token string.
func (s *SessionIssuer) Verify(raw string) (*Session, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	return sessionFromToken(tok)
}

// FromRequest extracts and validates the bearer token from the Authorization
// header. jwt.ParseRequest handles the "Bearer " prefix.
func (s *SessionIssuer) FromRequest(r *http.Request) (*Session, error) {
	tok, err := jwt.ParseRequest(r,
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	return sessionFromToken(tok)
}

func sessionFromToken(tok jwt.Token) (*Session, error) {
	userID := tok.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var googleID string
	if gid, ok := tok.Get("gid"); ok {
		googleID, _ = gid.(string)
	}

	return &Session{
		UserID:    userID,
		GoogleID:  googleID,
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}, nil
}
