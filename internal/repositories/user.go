package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// UserRepository handles persistence for [models.User].
type UserRepository struct {
	db  *sql.DB
	now Clock
}

// NewUserRepository creates a new [UserRepository] with the given database connection
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, now: utcNow}
}

// Upsert creates the user or refreshes its display name.
func (r *UserRepository) Upsert(ctx context.Context, id, displayName string) (*models.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", shared.ErrMissingArgument)
	}

	now := r.now()
	query := `
		INSERT INTO users (id, display_name, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, id, displayName, now, now); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return r.Get(ctx, id)
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, display_name, created_at, updated_at FROM users WHERE id = ?`

	var u models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", shared.ErrUnknownResource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// List returns all users ordered by id.
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	return r.list(ctx, `SELECT id, display_name, created_at, updated_at FROM users ORDER BY id ASC`)
}

// ListSyncable returns the users that have a stored credential and can therefore be synced.
func (r *UserRepository) ListSyncable(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT u.id, u.display_name, u.created_at, u.updated_at
		FROM users u JOIN credentials c ON c.user_id = u.id
		ORDER BY u.id ASC
	`
	return r.list(ctx, query)
}

func (r *UserRepository) list(ctx context.Context, query string) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return users, nil
}
