// Package server is the authoritative side of the sync protocol. The Ledger
// validates and commits operations into the ordered event log; the HTTP and
// websocket handlers expose it to clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prudhvinik1/ledgersync/internal/events"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/stores"
)

const restorePage = 1000

// Ledger owns the authoritative domain state. It is rebuilt from the event
// log on start and kept in step with every commit.
type Ledger struct {
	repo       repositories.SyncEventRepository
	publishers []Publisher
	logger     *slog.Logger
	metrics    *Metrics

	mu      sync.Mutex
	reg     *stores.Registry
	applier *events.Applier
	lastSeq int64
}

func NewLedger(repo repositories.SyncEventRepository, logger *slog.Logger, metrics *Metrics, publishers ...Publisher) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	reg := stores.NewRegistry()
	applier, err := events.NewApplier(reg, logger)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		repo:       repo,
		publishers: publishers,
		logger:     logger,
		metrics:    metrics,
		reg:        reg,
		applier:    applier,
	}, nil
}

// AddPublisher registers p for events committed from now on.
func (l *Ledger) AddPublisher(p Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishers = append(l.publishers, p)
}

// Restore replays the whole event log into the stores.
func (l *Ledger) Restore(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.catchUpLocked(ctx); err != nil {
		return err
	}
	l.logger.Info("ledger restored", "last_sequence", l.lastSeq)
	return nil
}

// catchUpLocked applies log entries this instance has not seen yet, which
// another instance may have written.
func (l *Ledger) catchUpLocked(ctx context.Context) error {
	for {
		page, err := l.repo.GetSinceSequence(ctx, l.lastSeq, restorePage)
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}
		for _, ev := range page {
			_ = l.applier.Apply(ev)
			l.lastSeq = ev.Sequence
		}
		if len(page) < restorePage {
			return nil
		}
	}
}

// Execute validates and commits one operation on behalf of clientID. A
// mutation id that was already committed returns the original events
// without committing anything.
func (l *Ledger) Execute(ctx context.Context, clientID string, req models.ExecuteRequest) ([]models.SyncEvent, error) {
	if req.MutationID == "" {
		return nil, fmt.Errorf("%w: mutationId is required", ErrBadRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prior, err := l.repo.GetByMutationID(ctx, req.MutationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up mutation: %w", err)
	}
	if len(prior) > 0 {
		l.metrics.Executions.WithLabelValues("replayed").Inc()
		l.logger.Info("replayed mutation", "mutation_id", req.MutationID, "client_id", clientID)
		return prior, nil
	}

	if err := l.catchUpLocked(ctx); err != nil {
		return nil, err
	}

	evs, err := decodeOperation(req)
	if err != nil {
		l.metrics.Executions.WithLabelValues("rejected").Inc()
		return nil, err
	}

	v := validator{reg: l.reg}
	rollback := make([]json.RawMessage, 0, len(evs))
	for i := range evs {
		evs[i].ClientID = clientID
		evs[i].MutationID = req.MutationID

		err := v.check(evs[i])
		var rb json.RawMessage
		if err == nil {
			rb, err = l.applier.Capture(evs[i])
		}
		if err == nil {
			if aerr := l.applier.Apply(evs[i]); aerr != nil {
				err = fmt.Errorf("%w: %v", ErrValidation, aerr)
			}
		}
		if err != nil {
			l.revertLocked(evs[:i], rollback)
			l.metrics.Executions.WithLabelValues("rejected").Inc()
			if len(evs) > 1 {
				err = fmt.Errorf("event %d (%s): %w", i, evs[i].Kind, err)
			}
			return nil, err
		}
		rollback = append(rollback, rb)
	}

	stored, err := l.repo.AppendBatch(ctx, evs)
	if err != nil {
		l.revertLocked(evs, rollback)
		l.metrics.Executions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}
	l.lastSeq = stored[len(stored)-1].Sequence
	l.metrics.Executions.WithLabelValues("committed").Inc()
	l.metrics.EventsCommitted.Add(float64(len(stored)))
	l.logger.Debug("committed mutation", "mutation_id", req.MutationID, "client_id", clientID,
		"operation", req.Operation, "last_sequence", l.lastSeq)

	l.publishLocked(ctx, stored)
	return stored, nil
}

func (l *Ledger) revertLocked(applied []models.SyncEvent, rollback []json.RawMessage) {
	for i := len(applied) - 1; i >= 0; i-- {
		inv, ok, err := events.Inverse(applied[i], rollback[i])
		if err != nil || !ok {
			continue
		}
		if err := l.applier.Apply(inv); err != nil {
			l.logger.Error("failed to revert event", "kind", applied[i].Kind, "error", err)
		}
	}
}

// publishLocked runs under the ledger lock so every publisher sees events in
// commit order.
func (l *Ledger) publishLocked(ctx context.Context, evs []models.SyncEvent) {
	for _, p := range l.publishers {
		if err := p.Publish(ctx, evs); err != nil {
			l.logger.Warn("failed to publish events", "error", err, "first_sequence", evs[0].Sequence)
		}
	}
}

// Absorb applies events committed by another instance, catching up from the
// log when they arrive out of order.
func (l *Ledger) Absorb(ctx context.Context, evs []models.SyncEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range evs {
		switch {
		case ev.Sequence <= l.lastSeq:
		case ev.Sequence == l.lastSeq+1:
			_ = l.applier.Apply(ev)
			l.lastSeq = ev.Sequence
		default:
			return l.catchUpLocked(ctx)
		}
	}
	return nil
}

// Since returns committed events after seq.
func (l *Ledger) Since(ctx context.Context, seq int64, limit int) ([]models.SyncEvent, error) {
	if seq < 0 {
		return nil, fmt.Errorf("%w: since must not be negative", ErrBadRequest)
	}
	evs, err := l.repo.GetSinceSequence(ctx, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return evs, nil
}

func (l *Ledger) Snapshot() (*models.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Snapshot(l.lastSeq)
}

func (l *Ledger) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}
