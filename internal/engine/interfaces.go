package engine

import (
	"context"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
)

// Remote executes one mutation on the server. Errors must be classified by
// the remote package: remote.ErrTransient for retryable failures and
// *remote.RejectedError for definitive refusals.
type Remote interface {
	Execute(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResponse, error)
}

// QueueStorage is the durable home of the pending mutation queue.
type QueueStorage interface {
	LoadQueue(ctx context.Context) ([]*models.PendingMutation, error)
	SaveQueue(ctx context.Context, queue []*models.PendingMutation) error
}

// SubscriptionTransport opens an event stream resumed after since.
type SubscriptionTransport interface {
	Connect(ctx context.Context, since int64) (remote.EventStream, error)
}

type Snapshotter interface {
	FetchSnapshot(ctx context.Context) (*models.Snapshot, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}
