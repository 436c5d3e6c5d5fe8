package repositories

import (
	"context"
	"errors"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

var ErrNotFound = errors.New("not found")

// QueueRepository is the durable home of the client's pending mutations.
// SaveQueue replaces the stored queue with exactly the given mutations.
type QueueRepository interface {
	LoadQueue(ctx context.Context) ([]*models.PendingMutation, error)
	SaveQueue(ctx context.Context, queue []*models.PendingMutation) error
}

// SnapshotRepository persists the client's domain stores between runs.
type SnapshotRepository interface {
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
}

// SyncEventRepository is the server's ordered event log.
type SyncEventRepository interface {
	// AppendBatch stores events atomically and returns them with their
	// assigned sequence numbers and timestamps.
	AppendBatch(ctx context.Context, events []models.SyncEvent) ([]models.SyncEvent, error)
	GetSinceSequence(ctx context.Context, sequence int64, limit int) ([]models.SyncEvent, error)
	GetByMutationID(ctx context.Context, mutationID string) ([]models.SyncEvent, error)
	LastSequence(ctx context.Context) (int64, error)
}
