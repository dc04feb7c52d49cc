package server

import (
	"context"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/repositories"
)

// RepositoryStore implements [Store] over the SQLite repositories.
type RepositoryStore struct {
	Users  *repositories.UserRepository
	Jobs   *repositories.JobRepository
	States *repositories.SyncStateRepository
	Beats  *repositories.HeartbeatRepository
}

func (s RepositoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.Users.Get(ctx, id)
}

func (s RepositoryStore) ListJobs(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	return s.Jobs.ListByUser(ctx, userID, limit)
}

func (s RepositoryStore) ListSyncStates(ctx context.Context, userID string) ([]*models.SyncState, error) {
	return s.States.ListByUser(ctx, userID)
}

func (s RepositoryStore) Heartbeat(ctx context.Context) (models.Heartbeat, error) {
	return s.Beats.Get(ctx)
}
