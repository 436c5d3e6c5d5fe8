package repositories

import (
	"context"
	"sync"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// MemoryQueueRepository keeps deep copies of the queue in memory. It survives
// an engine restart within one process, which is what tests need.
type MemoryQueueRepository struct {
	mu    sync.Mutex
	queue []*models.PendingMutation
	saves int
}

func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{}
}

func (r *MemoryQueueRepository) LoadQueue(ctx context.Context) ([]*models.PendingMutation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneQueue(r.queue), nil
}

func (r *MemoryQueueRepository) SaveQueue(ctx context.Context, queue []*models.PendingMutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = cloneQueue(queue)
	r.saves++
	return nil
}

// Saves reports how many times the queue was written.
func (r *MemoryQueueRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func cloneQueue(queue []*models.PendingMutation) []*models.PendingMutation {
	out := make([]*models.PendingMutation, len(queue))
	for i, m := range queue {
		out[i] = m.Clone()
	}
	return out
}
