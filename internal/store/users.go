package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is a local account bound to a Google identity. Token fields hold the
// delegated credentials verbatim; they are replayed to the Gmail API as-is,
// so they are never hashed or otherwise transformed before storage.
type User struct {
	ID           string     `db:"id" json:"id"`
	GoogleID     string     `db:"google_id" json:"googleId"`
	Email        string     `db:"email" json:"email"`
	Name         string     `db:"name" json:"name"`
	Picture      string     `db:"picture" json:"picture"`
	AccessToken  *string    `db:"access_token" json:"-"`
	RefreshToken *string    `db:"refresh_token" json:"-"`
	TokenExpiry  *time.Time `db:"token_expiry" json:"-"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"lastLoginAt"`
	IsActive     bool       `db:"is_active" json:"isActive"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// Credential is the stored OAuth token state for one user.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// UpsertUserParams carries the profile and tokens from a completed OAuth
// exchange.
type UpsertUserParams struct {
	GoogleID     string
	Email        string
	Name         string
	Picture      string
	AccessToken  string
	RefreshToken string // empty when Google did not reissue one
	TokenExpiry  time.Time
}

// UpsertUserByGoogleID creates or updates the user keyed by Google account id.
// On update the refresh token is replaced only when a new one was supplied;
// Google omits it on repeat consents. Login also reactivates a soft-deleted
// account.
func (s *Store) UpsertUserByGoogleID(ctx context.Context, p UpsertUserParams) (*User, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, google_id, email, name, picture, access_token, refresh_token, token_expiry, last_login_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, 1, ?, ?)
		ON CONFLICT(google_id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			picture = excluded.picture,
			access_token = excluded.access_token,
			refresh_token = COALESCE(excluded.refresh_token, users.refresh_token),
			token_expiry = excluded.token_expiry,
			last_login_at = excluded.last_login_at,
			is_active = 1,
			updated_at = excluded.updated_at
	`, uuid.NewString(), p.GoogleID, p.Email, p.Name, p.Picture,
		p.AccessToken, p.RefreshToken, p.TokenExpiry.UTC(), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return s.GetUserByGoogleID(ctx, p.GoogleID)
}

// GetUserByID returns a user by local id
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetUserByGoogleID returns a user by Google account id
func (s *Store) GetUserByGoogleID(ctx context.Context, googleID string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE google_id = ?`, googleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetCredential returns the stored token state for a user. ErrNotFound means
// no access token is stored at all, not that the user is missing.
func (s *Store) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	u, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.AccessToken == nil {
		return nil, ErrNotFound
	}
	cred := &Credential{AccessToken: *u.AccessToken}
	if u.RefreshToken != nil {
		cred.RefreshToken = *u.RefreshToken
	}
	if u.TokenExpiry != nil {
		cred.Expiry = *u.TokenExpiry
	}
	return cred, nil
}

// PutCredential stores new token state for a user. An empty refresh token
// keeps the previously stored one.
func (s *Store) PutCredential(ctx context.Context, userID string, cred Credential) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			access_token = ?,
			refresh_token = COALESCE(NULLIF(?, ''), refresh_token),
			token_expiry = ?,
			updated_at = ?
		WHERE id = ?
	`, cred.AccessToken, cred.RefreshToken, cred.Expiry.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearCredential removes all stored token state for a user.
func (s *Store) ClearCredential(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET access_token = NULL, refresh_token = NULL, token_expiry = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// DeactivateUser soft-deletes a user: tombstone flag plus credential
// clearing. Mirrored messages are kept; only a hard delete removes them.
func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = 0, access_token = NULL, refresh_token = NULL, token_expiry = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser hard-deletes a user; owned messages cascade via the FK.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
