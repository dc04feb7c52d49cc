package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// CredentialRepository stores sealed credential records. It never sees plaintext.
type CredentialRepository struct {
	db  *sql.DB
	now Clock
}

// NewCredentialRepository creates a new [CredentialRepository] with the given database connection
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db, now: utcNow}
}

// Get returns the credential record of a user or [shared.ErrMissingCredentials].
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*models.Credential, error) {
	query := `
		SELECT user_id, ciphertext, key_version, access_token, access_expires_at, scope, updated_at
		FROM credentials WHERE user_id = ?
	`

	var (
		c         models.Credential
		expiresAt int64
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&c.UserID, &c.Ciphertext, &c.KeyVersion, &c.AccessToken,
		&expiresAt, &c.Scope, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", shared.ErrMissingCredentials, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	c.AccessExpiresAt = shared.FromUnixMilli(expiresAt)
	return &c, nil
}

// SaveRefresh stores a sealed refresh credential, replacing any previous one together with its cached access token.
func (r *CredentialRepository) SaveRefresh(ctx context.Context, userID, ciphertext string, keyVersion int) error {
	query := `
		INSERT INTO credentials (user_id, ciphertext, key_version, access_token, access_expires_at, updated_at)
		VALUES (?, ?, ?, '', 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			key_version = excluded.key_version,
			access_token = '',
			access_expires_at = 0,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, userID, ciphertext, keyVersion, r.now()); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// RotateRefresh replaces the sealed refresh credential and stores the access token that came with it.
func (r *CredentialRepository) RotateRefresh(ctx context.Context, userID, ciphertext string, keyVersion int, sealedAccess string, expiresAt time.Time, scope string) error {
	query := `
		UPDATE credentials SET
			ciphertext = ?, key_version = ?, access_token = ?, access_expires_at = ?,
			scope = CASE WHEN ? <> '' THEN ? ELSE scope END,
			updated_at = ?
		WHERE user_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, ciphertext, keyVersion, sealedAccess, shared.UnixMilli(expiresAt),
		scope, scope, r.now(), userID)
	if err != nil {
		return fmt.Errorf("failed to rotate credential: %w", err)
	}
	return expectOne(result, shared.ErrMissingCredentials, userID)
}

// SaveAccess caches a sealed access token and its expiry.
func (r *CredentialRepository) SaveAccess(ctx context.Context, userID, sealedAccess string, expiresAt time.Time, scope string) error {
	query := `
		UPDATE credentials SET
			access_token = ?, access_expires_at = ?,
			scope = CASE WHEN ? <> '' THEN ? ELSE scope END,
			updated_at = ?
		WHERE user_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, sealedAccess, shared.UnixMilli(expiresAt), scope, scope, r.now(), userID)
	if err != nil {
		return fmt.Errorf("failed to cache access token: %w", err)
	}
	return expectOne(result, shared.ErrMissingCredentials, userID)
}

// ClearAccess drops the cached access token.
func (r *CredentialRepository) ClearAccess(ctx context.Context, userID string) error {
	query := `UPDATE credentials SET access_token = '', access_expires_at = 0, updated_at = ? WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, r.now(), userID); err != nil {
		return fmt.Errorf("failed to clear access token: %w", err)
	}
	return nil
}
