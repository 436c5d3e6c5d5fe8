// Package events turns sync events into domain store mutations and computes
// the inverse events used to roll an optimistic apply back.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/stores"
)

var (
	ErrUnknownKind     = errors.New("unknown event kind")
	ErrInvalidRollback = errors.New("invalid rollback data")
)

type handler func(ev models.SyncEvent) error

// Applier dispatches each event kind to exactly one store mutation. It never
// performs I/O.
type Applier struct {
	stores   *stores.Registry
	handlers map[models.EventKind]handler
	logger   *slog.Logger
}

func NewApplier(reg *stores.Registry, logger *slog.Logger) (*Applier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Applier{
		stores:   reg,
		handlers: make(map[models.EventKind]handler, len(models.Kinds)),
		logger:   logger,
	}
	for kind, info := range models.Kinds {
		coll, ok := reg.Collection(info.Family)
		if !ok {
			return nil, fmt.Errorf("no domain store for family %s", info.Family)
		}
		switch info.Op {
		case models.OpCreate:
			a.handlers[kind] = a.create(coll)
		case models.OpUpdate:
			a.handlers[kind] = a.update(coll)
		case models.OpDelete:
			a.handlers[kind] = a.delete(coll)
		default:
			return nil, fmt.Errorf("event kind %s has unsupported op %q", kind, info.Op)
		}
	}
	if missing := a.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("no handler for event kinds %v", missing)
	}
	return a, nil
}

// Missing lists known event kinds that have no handler.
func (a *Applier) Missing() []models.EventKind {
	var missing []models.EventKind
	for _, k := range models.AllKinds() {
		if _, ok := a.handlers[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Apply mutates the store the event belongs to. Unknown kinds are dropped and
// reported as ErrUnknownKind. A failing or panicking handler only affects its
// own event.
func (a *Applier) Apply(ev models.SyncEvent) (err error) {
	h, ok := a.handlers[ev.Kind]
	if !ok {
		a.logger.Warn("dropping event of unknown kind", "kind", ev.Kind, "sequence", ev.Sequence)
		return fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("applying %s panicked: %v", ev.Kind, r)
		}
		if err != nil {
			a.logger.Error("failed to apply event", "kind", ev.Kind, "sequence", ev.Sequence, "error", err)
		}
	}()
	return h(ev)
}

// Capture returns what must be kept to undo ev, read from the stores before
// ev is applied: nothing for creates, the current values of the patched
// fields for updates and the whole entity for deletes. It returns nil when
// the target entity does not exist.
func (a *Applier) Capture(ev models.SyncEvent) (json.RawMessage, error) {
	info, ok := ev.Info()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	coll, _ := a.stores.Collection(info.Family)
	switch info.Op {
	case models.OpCreate:
		// a create over an existing id restores the overwritten entity
		id, err := ev.EntityID()
		if err != nil {
			return nil, err
		}
		raw, ok, err := coll.Raw(id)
		if err != nil || !ok {
			return nil, err
		}
		return raw, nil
	case models.OpUpdate:
		id, err := ev.EntityID()
		if err != nil {
			return nil, err
		}
		keys, err := stores.PatchKeys(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", ev.Kind, err)
		}
		raw, _, err := coll.Fields(id, keys)
		return raw, err
	case models.OpDelete:
		id, err := ev.EntityID()
		if err != nil {
			return nil, err
		}
		raw, _, err := coll.Raw(id)
		return raw, err
	}
	return nil, nil
}

func (a *Applier) create(coll stores.Collection) handler {
	return func(ev models.SyncEvent) error {
		_, err := coll.Put(ev.Payload)
		return err
	}
}

func (a *Applier) update(coll stores.Collection) handler {
	return func(ev models.SyncEvent) error {
		id, err := ev.EntityID()
		if err != nil {
			return err
		}
		found, err := coll.Patch(id, ev.Payload)
		if err != nil {
			return err
		}
		if !found {
			a.logger.Debug("update for missing entity ignored", "kind", ev.Kind, "id", id)
		}
		return nil
	}
}

func (a *Applier) delete(coll stores.Collection) handler {
	return func(ev models.SyncEvent) error {
		id, err := ev.EntityID()
		if err != nil {
			return err
		}
		if !coll.Delete(id) {
			a.logger.Debug("delete for missing entity ignored", "kind", ev.Kind, "id", id)
		}
		return nil
	}
}
