package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
)

var errSequenceGap = errors.New("sequence gap")

// Subscribe starts consuming the server's event stream in the background,
// resuming after the last applied sequence. Calling it while a subscription
// is running is a no-op. The subscription stops when ctx is done.
func (e *Engine) Subscribe(ctx context.Context) error {
	if e.opts.Transport == nil {
		return ErrNoTransport
	}
	e.mu.Lock()
	if e.subscribed {
		e.mu.Unlock()
		return nil
	}
	e.subscribed = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.subscribed = false
			e.mu.Unlock()
		}()
		e.subscribeLoop(ctx)
	}()
	return nil
}

// Subscribed reports whether a subscription is running.
func (e *Engine) Subscribed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribed
}

func (e *Engine) subscribeLoop(ctx context.Context) {
	b := newBackoff(e.opts.SubscribeBackoffMin, e.opts.SubscribeBackoffMax)
	for ctx.Err() == nil {
		since := e.LastSequence()
		stream, err := e.opts.Transport.Connect(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.next()
			e.metrics.Reconnects.Inc()
			e.logger.Warn("subscription connect failed", "since", since, "retry_in", delay, "error", err)
			sleep(ctx, delay)
			continue
		}
		e.logger.Info("subscribed to server events", "since", since)

		received, err := e.consume(ctx, stream)
		stream.Close()
		if received > 0 {
			b.reset()
		}
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, remote.ErrResyncRequired):
			e.logger.Info("server requested resync")
			if rerr := e.Resync(ctx); rerr != nil {
				e.logger.Error("resync failed", "error", rerr)
				sleep(ctx, b.next())
			}
		case errors.Is(err, errSequenceGap):
			e.logger.Info("reconnecting to replay missed events", "error", err)
		default:
			delay := b.next()
			e.logger.Warn("subscription interrupted", "retry_in", delay, "error", err)
			sleep(ctx, delay)
		}
		e.metrics.Reconnects.Inc()
	}
}

// consume reads events until the stream fails or a gap is detected.
func (e *Engine) consume(ctx context.Context, stream remote.EventStream) (int, error) {
	received := 0
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, remote.ErrMalformed) {
				e.metrics.Dropped.Inc()
				e.logger.Warn("dropping malformed server message", "error", err)
				continue
			}
			return received, err
		}
		received++
		if err := e.Receive(ev); err != nil {
			return received, err
		}
	}
}

// Receive applies one server event. Events at or below the last applied
// sequence are ignored. The echo of one of this client's pending mutations is
// suppressed since its effect is already in the stores. A sequence gap is
// returned as an error without applying anything.
func (e *Engine) Receive(ev models.SyncEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Sequence <= e.lastSeq {
		return nil
	}
	if ev.Sequence > e.lastSeq+1 {
		return fmt.Errorf("%w: have %d, got %d", errSequenceGap, e.lastSeq, ev.Sequence)
	}
	e.lastSeq = ev.Sequence

	if m := e.echoOfLocked(ev); m != nil {
		e.echoed[m.ID] = true
		e.metrics.Suppressed.Inc()
		e.logger.Debug("suppressed echo of pending mutation", "sequence", ev.Sequence, "mutation_id", m.ID)
		return nil
	}

	if _, ok := ev.Info(); !ok {
		e.metrics.Dropped.Inc()
		_ = e.applier.Apply(ev)
		return nil
	}

	start := e.rebaseStartLocked(ev)
	for i := len(e.queue) - 1; i >= start; i-- {
		e.undoLocked(e.queue[i])
	}
	if err := e.applier.Apply(ev); err != nil {
		e.metrics.Dropped.Inc()
	} else {
		e.metrics.Applied.Inc()
	}
	for i := start; i < len(e.queue); i++ {
		e.redoLocked(e.queue[i], true)
	}
	if start < len(e.queue) {
		if err := e.persistLocked(context.Background()); err != nil {
			e.logger.Error("failed to persist rebased queue", "error", err)
		}
	}
	return nil
}

// echoOfLocked finds the pending mutation ev was produced from, if any.
func (e *Engine) echoOfLocked(ev models.SyncEvent) *models.PendingMutation {
	if ev.ClientID != e.opts.ClientID {
		return nil
	}
	for _, m := range e.queue {
		if ev.MutationID != "" {
			// a mutation without local events has nothing to stand in
			// for the server's, so those are applied
			if m.ID == ev.MutationID && len(m.Events) > 0 {
				return m
			}
			continue
		}
		for _, pe := range m.Events {
			if pe.Kind == ev.Kind && jsonEqual(pe.Payload, ev.Payload) {
				return m
			}
		}
	}
	return nil
}

// rebaseStartLocked returns the index of the first pending mutation that has
// to be lifted off the stores before ev is applied, or len(queue) when ev
// touches nothing pending. Pending effects always end up on top of the
// server's state.
func (e *Engine) rebaseStartLocked(ev models.SyncEvent) int {
	info, _ := ev.Info()
	id, err := ev.EntityID()
	if err != nil {
		return len(e.queue)
	}
	for i, m := range e.queue {
		if e.echoed[m.ID] {
			continue
		}
		for _, pe := range m.Events {
			pinfo, _ := pe.Info()
			if pinfo.Family != info.Family {
				continue
			}
			if pid, err := pe.EntityID(); err == nil && pid == id {
				return i
			}
		}
	}
	return len(e.queue)
}

// Resync replaces the stores with a fresh server snapshot and applies the
// pending mutations on top of it again.
func (e *Engine) Resync(ctx context.Context) error {
	if e.opts.Snapshotter == nil {
		return ErrNoSnapshotter
	}
	snap, err := e.opts.Snapshotter.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.reg.Restore(snap); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	for _, m := range e.queue {
		e.redoLocked(m, true)
	}
	e.lastSeq = snap.Sequence
	clear(e.echoed)
	if err := e.persistLocked(ctx); err != nil {
		e.logger.Error("failed to persist queue after resync", "error", err)
	}
	e.metrics.Resyncs.Inc()
	e.logger.Info("resynced from snapshot", "sequence", snap.Sequence, "pending", len(e.queue))
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
