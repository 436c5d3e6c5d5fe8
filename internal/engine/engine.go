// Package engine keeps the local domain stores usable offline. It applies
// user mutations optimistically, transmits them to the server one at a time
// in submission order, rolls them back exactly when the server refuses them,
// and applies the server's stream of canonical events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/events"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
	"github.com/prudhvinik1/ledgersync/internal/stores"
)

var (
	ErrEmptyMutation = errors.New("mutation has no events")
	ErrUnknownKind   = events.ErrUnknownKind
	ErrNoTransport   = errors.New("no subscription transport configured")
	ErrNoSnapshotter = errors.New("no snapshotter configured")
)

const (
	DefaultRequestTimeout      = 30 * time.Second
	DefaultSubscribeBackoffMin = 500 * time.Millisecond
	DefaultSubscribeBackoffMax = 30 * time.Second
)

type Options struct {
	ClientID string
	Remote   Remote
	Storage  QueueStorage

	Transport    SubscriptionTransport
	Snapshotter  Snapshotter
	Connectivity *Connectivity
	Registry     *stores.Registry
	// LastSequence is the server sequence the registry contents reflect.
	LastSequence int64

	// MaxAttempts turns a mutation that failed transiently this many times
	// into a rejection. Zero retries forever.
	MaxAttempts         int
	RequestTimeout      time.Duration
	SubscribeBackoffMin time.Duration
	SubscribeBackoffMax time.Duration

	// OnRejected is called, without engine locks held, after a mutation was
	// rolled back.
	OnRejected func(MutationError)

	Logger  *slog.Logger
	Metrics *Metrics
}

type Engine struct {
	opts    Options
	reg     *stores.Registry
	applier *events.Applier
	conn    *Connectivity
	logger  *slog.Logger
	metrics *Metrics

	// mu serializes every change to the queue and the stores.
	mu        sync.Mutex
	queue     []*models.PendingMutation
	suspended bool
	lastSeq   int64
	// echoed holds pending mutations whose events the server already
	// broadcast, so they are part of the confirmed state.
	echoed     map[string]bool
	subscribed bool

	wake chan struct{}
}

// Open loads the persisted queue and restores its optimistic effects on top
// of the registry. Mutations interrupted while in flight go back to queued;
// the server deduplicates them by id when they are sent again.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("queue storage is required")
	}
	if opts.Registry == nil {
		opts.Registry = stores.NewRegistry()
	}
	if opts.Connectivity == nil {
		opts.Connectivity = NewConnectivity(true)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.SubscribeBackoffMin <= 0 {
		opts.SubscribeBackoffMin = DefaultSubscribeBackoffMin
	}
	if opts.SubscribeBackoffMax <= 0 {
		opts.SubscribeBackoffMax = DefaultSubscribeBackoffMax
	}

	logger := opts.Logger.With("client_id", opts.ClientID)
	applier, err := events.NewApplier(opts.Registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build event applier: %w", err)
	}

	e := &Engine{
		opts:    opts,
		reg:     opts.Registry,
		applier: applier,
		conn:    opts.Connectivity,
		logger:  logger,
		metrics: opts.Metrics,
		lastSeq: opts.LastSequence,
		echoed:  make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}

	queue, err := opts.Storage.LoadQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending mutations: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var failed []*models.PendingMutation
	for _, m := range queue {
		switch m.Status {
		case models.StatusFailed:
			failed = append(failed, m)
			continue
		case models.StatusInFlight:
			m.Status = models.StatusQueued
		}
		e.queue = append(e.queue, m)
	}
	// A rejection that crashed half way: its rollback may or may not have
	// reached the stores, and undoing it again is harmless.
	for i := len(failed) - 1; i >= 0; i-- {
		e.undoLocked(failed[i])
	}
	for _, m := range e.queue {
		e.redoLocked(m, false)
	}
	if len(failed) > 0 || len(e.queue) != len(queue) {
		if err := e.persistLocked(ctx); err != nil {
			return nil, err
		}
	}
	e.metrics.QueueDepth.Set(float64(len(e.queue)))

	logger.Info("sync engine opened", "pending", len(e.queue), "last_sequence", e.lastSeq)
	return e, nil
}

// Submit applies m to the stores and queues it for transmission. The
// change is visible and durable when Submit returns. The only error
// returned is a local one (invalid mutation, storage failure), in which case
// nothing was applied. Server refusals are reported through OnRejected.
func (e *Engine) Submit(ctx context.Context, m Mutation) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	if err := m.fillOperation(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	pm := &models.PendingMutation{
		ID:         uuid.NewString(),
		Name:       m.Name,
		Operation:  m.Operation,
		Variables:  append(json.RawMessage(nil), m.Variables...),
		Events:     make([]models.SyncEvent, len(m.Events)),
		Rollback:   make([]json.RawMessage, len(m.Events)),
		Status:     models.StatusQueued,
		EnqueuedAt: now,
	}
	for i, ev := range m.Events {
		ev = ev.Clone()
		ev.Sequence = 0
		ev.ClientID = e.opts.ClientID
		ev.MutationID = pm.ID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		pm.Events[i] = ev
		if m.Rollback != nil && m.Rollback[i] != nil {
			pm.Rollback[i] = append(json.RawMessage(nil), m.Rollback[i]...)
		}
	}

	for i, ev := range pm.Events {
		if pm.Rollback[i] == nil {
			rb, err := e.applier.Capture(ev)
			if err != nil {
				e.undoPrefixLocked(pm, i)
				return "", fmt.Errorf("failed to capture rollback for %s: %w", ev.Kind, err)
			}
			pm.Rollback[i] = rb
		}
		if err := e.applier.Apply(ev); err != nil {
			e.undoPrefixLocked(pm, i)
			return "", fmt.Errorf("failed to apply %s: %w", ev.Kind, err)
		}
	}

	e.queue = append(e.queue, pm)
	if err := e.persistLocked(ctx); err != nil {
		e.queue = e.queue[:len(e.queue)-1]
		e.undoLocked(pm)
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
		return "", err
	}

	e.metrics.Submitted.Inc()
	e.logger.Debug("mutation queued", "mutation_id", pm.ID, "name", pm.Name, "events", len(pm.Events))
	e.signal()
	return pm.ID, nil
}

// DequeueMutations resumes transmission after a transient failure.
func (e *Engine) DequeueMutations() {
	e.mu.Lock()
	e.suspended = false
	e.mu.Unlock()
	e.signal()
}

// Run is the transmission loop. It sends the head of the queue whenever the
// engine is online and not suspended, and returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		watch := e.conn.Watch()
		if err := e.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-watch:
			if e.conn.Online() {
				e.logger.Info("connectivity restored, resuming transmission")
				e.DequeueMutations()
			}
		}
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.mu.Lock()
		if e.suspended || len(e.queue) == 0 || !e.conn.Online() {
			e.mu.Unlock()
			return nil
		}
		head := e.queue[0]
		head.Status = models.StatusInFlight
		if err := e.persistLocked(ctx); err != nil {
			e.logger.Warn("failed to persist in-flight status", "mutation_id", head.ID, "error", err)
		}
		req := models.ExecuteRequest{
			MutationID: head.ID,
			ClientID:   e.opts.ClientID,
			Operation:  head.Operation,
			Variables:  append(json.RawMessage(nil), head.Variables...),
		}
		e.mu.Unlock()

		rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		_, err := e.opts.Remote.Execute(rctx, req)
		cancel()

		e.settle(ctx, head.ID, err)
	}
}

func (e *Engine) settle(ctx context.Context, id string, err error) {
	e.mu.Lock()
	if len(e.queue) == 0 || e.queue[0].ID != id {
		e.mu.Unlock()
		return
	}
	head := e.queue[0]

	switch {
	case err == nil:
		e.dropHeadLocked()
		if perr := e.persistLocked(ctx); perr != nil {
			e.logger.Error("failed to persist settled queue", "mutation_id", id, "error", perr)
		}
		e.metrics.Settled.Inc()
		e.logger.Debug("mutation settled", "mutation_id", id, "name", head.Name)
		e.mu.Unlock()
		return

	case ctx.Err() != nil:
		// Shutting down mid request. The outcome is unknown, so send it
		// again on the next run.
		head.Status = models.StatusQueued
		if perr := e.persistLocked(context.WithoutCancel(ctx)); perr != nil {
			e.logger.Error("failed to persist queue on shutdown", "error", perr)
		}
		e.mu.Unlock()
		return
	}

	if remote.IsTransient(err) {
		head.Attempts++
		if e.opts.MaxAttempts <= 0 || head.Attempts < e.opts.MaxAttempts {
			head.Status = models.StatusQueued
			e.suspended = true
			if perr := e.persistLocked(ctx); perr != nil {
				e.logger.Error("failed to persist retry", "mutation_id", id, "error", perr)
			}
			e.metrics.Retried.Inc()
			e.logger.Warn("transient failure, pausing transmission",
				"mutation_id", id, "name", head.Name, "attempts", head.Attempts, "error", err)
			e.mu.Unlock()
			e.conn.Set(false)
			return
		}
		err = fmt.Errorf("gave up after %d attempts: %w", head.Attempts, err)
	}

	merr := e.rejectHeadLocked(ctx, err)
	e.mu.Unlock()
	if e.opts.OnRejected != nil {
		e.opts.OnRejected(merr)
	}
}

// rejectHeadLocked rolls the head back and drops it. Every later pending
// mutation was applied on top of it, so they are unwound first and applied
// again afterwards with fresh rollback data.
func (e *Engine) rejectHeadLocked(ctx context.Context, cause error) MutationError {
	head := e.queue[0]
	head.Status = models.StatusFailed
	if err := e.persistLocked(ctx); err != nil {
		e.logger.Error("failed to persist rejection", "mutation_id", head.ID, "error", err)
	}

	for i := len(e.queue) - 1; i >= 0; i-- {
		e.undoLocked(e.queue[i])
	}
	e.dropHeadLocked()
	for _, m := range e.queue {
		e.redoLocked(m, true)
	}

	if err := e.persistLocked(ctx); err != nil {
		e.logger.Error("failed to persist queue after rollback", "error", err)
	}
	e.metrics.Rejected.Inc()
	e.logger.Warn("mutation rejected and rolled back", "mutation_id", head.ID, "name", head.Name, "error", cause)
	return MutationError{Name: head.Name, MutationID: head.ID, Err: cause}
}

func (e *Engine) dropHeadLocked() {
	delete(e.echoed, e.queue[0].ID)
	e.queue[0] = nil
	e.queue = e.queue[1:]
}

// undoLocked applies the inverse of every event of m, last event first.
func (e *Engine) undoLocked(m *models.PendingMutation) {
	e.undoPrefixLocked(m, len(m.Events))
}

// undoPrefixLocked undoes the first n events of m.
func (e *Engine) undoPrefixLocked(m *models.PendingMutation, n int) {
	for i := n - 1; i >= 0; i-- {
		var rb json.RawMessage
		if i < len(m.Rollback) {
			rb = m.Rollback[i]
		}
		inv, ok, err := events.Inverse(m.Events[i], rb)
		if err != nil {
			e.logger.Error("failed to build inverse event", "mutation_id", m.ID, "kind", m.Events[i].Kind, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := e.applier.Apply(inv); err != nil {
			e.metrics.ApplyFailures.Inc()
			e.logger.Error("failed to undo event", "mutation_id", m.ID, "kind", m.Events[i].Kind, "error", err)
		}
	}
}

// redoLocked applies m's events again, optionally capturing new rollback
// data first.
func (e *Engine) redoLocked(m *models.PendingMutation, capture bool) {
	if len(m.Rollback) != len(m.Events) {
		m.Rollback = make([]json.RawMessage, len(m.Events))
	}
	for i, ev := range m.Events {
		if capture {
			rb, err := e.applier.Capture(ev)
			if err != nil {
				e.logger.Error("failed to capture rollback", "mutation_id", m.ID, "kind", ev.Kind, "error", err)
			}
			m.Rollback[i] = rb
		}
		if err := e.applier.Apply(ev); err != nil {
			e.metrics.ApplyFailures.Inc()
			e.logger.Error("failed to reapply event", "mutation_id", m.ID, "kind", ev.Kind, "error", err)
		}
	}
}

func (e *Engine) persistLocked(ctx context.Context) error {
	e.metrics.QueueDepth.Set(float64(len(e.queue)))
	if err := e.opts.Storage.SaveQueue(ctx, e.queue); err != nil {
		return fmt.Errorf("failed to persist pending mutations: %w", err)
	}
	return nil
}

// Pending returns copies of the queued mutations in transmission order.
func (e *Engine) Pending() []*models.PendingMutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.PendingMutation, len(e.queue))
	for i, m := range e.queue {
		out[i] = m.Clone()
	}
	return out
}

func (e *Engine) Stores() *stores.Registry { return e.reg }

func (e *Engine) Connectivity() *Connectivity { return e.conn }

func (e *Engine) ClientID() string { return e.opts.ClientID }

func (e *Engine) LastSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

// Snapshot exports the stores together with the sequence they reflect.
// Pending optimistic effects are included; they are re-applied on Open.
func (e *Engine) Snapshot() (*models.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Snapshot(e.lastSeq)
}
