package server

import (
	"context"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// Publisher receives committed events in sequence order.
type Publisher interface {
	Publish(ctx context.Context, events []models.SyncEvent) error
}

type PublisherFunc func(ctx context.Context, events []models.SyncEvent) error

func (f PublisherFunc) Publish(ctx context.Context, events []models.SyncEvent) error {
	return f(ctx, events)
}
