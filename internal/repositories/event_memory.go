package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// MemorySyncEventRepository is an in-process event log for development
// servers and tests.
type MemorySyncEventRepository struct {
	mu     sync.RWMutex
	events []models.SyncEvent
}

func NewMemorySyncEventRepository() *MemorySyncEventRepository {
	return &MemorySyncEventRepository{}
}

func (r *MemorySyncEventRepository) AppendBatch(ctx context.Context, events []models.SyncEvent) ([]models.SyncEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := make([]models.SyncEvent, len(events))
	for i, ev := range events {
		ev = ev.Clone()
		ev.Sequence = int64(len(r.events)) + 1
		ev.CreatedAt = now
		r.events = append(r.events, ev)
		stored[i] = ev
	}
	return stored, nil
}

func (r *MemorySyncEventRepository) GetSinceSequence(ctx context.Context, sequence int64, limit int) ([]models.SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sequence < 0 {
		sequence = 0
	}
	var out []models.SyncEvent
	// Sequence n lives at index n-1.
	for i := int(sequence); i < len(r.events); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r.events[i].Clone())
	}
	return out, nil
}

func (r *MemorySyncEventRepository) GetByMutationID(ctx context.Context, mutationID string) ([]models.SyncEvent, error) {
	if mutationID == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SyncEvent
	for _, ev := range r.events {
		if ev.MutationID == mutationID {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (r *MemorySyncEventRepository) LastSequence(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events)), nil
}
