package engine

import (
	"encoding/json"
	"fmt"

	"github.com/prudhvinik1/ledgersync/internal/events"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

// OperationCommitEvents carries several events that the server commits as
// one atomic batch.
const OperationCommitEvents = "commitEvents"

// Mutation is one user action: the events applied optimistically plus the
// remote operation that makes them durable on the server.
type Mutation struct {
	Name      string
	Operation string
	Variables json.RawMessage
	Events    []models.SyncEvent
	// Rollback optionally supplies the undo data per event. Nil entries are
	// captured from the stores before the event is applied.
	Rollback []json.RawMessage
}

// EventMutation builds the mutation for a list of events. A single event is
// sent as the operation of the same name with its payload as variables;
// several events are sent as one commitEvents operation.
func EventMutation(name string, evs ...models.SyncEvent) (Mutation, error) {
	m := Mutation{Name: name, Events: evs}
	if err := m.fillOperation(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

func (m *Mutation) fillOperation() error {
	if m.Operation != "" {
		return nil
	}
	if len(m.Events) == 0 {
		return ErrEmptyMutation
	}
	if len(m.Events) == 1 {
		m.Operation = string(m.Events[0].Kind)
		m.Variables = append(json.RawMessage(nil), m.Events[0].Payload...)
	} else {
		inputs := make([]models.EventInput, len(m.Events))
		for i, ev := range m.Events {
			inputs[i] = models.EventInput{Kind: ev.Kind, Payload: ev.Payload}
		}
		raw, err := json.Marshal(inputs)
		if err != nil {
			return fmt.Errorf("failed to marshal commitEvents variables: %w", err)
		}
		m.Operation = OperationCommitEvents
		m.Variables = raw
	}
	if m.Name == "" {
		m.Name = m.Operation
	}
	return nil
}

// validate accepts a mutation without events when it names its operation;
// such a mutation changes nothing locally and only the server applies it.
func (m *Mutation) validate() error {
	if len(m.Events) == 0 && m.Operation == "" {
		return ErrEmptyMutation
	}
	if m.Rollback != nil && len(m.Rollback) != len(m.Events) {
		return fmt.Errorf("mutation %s: %d rollback entries for %d events", m.Name, len(m.Rollback), len(m.Events))
	}
	for i, ev := range m.Events {
		if _, ok := ev.Info(); !ok {
			return fmt.Errorf("mutation %s: %w: %q", m.Name, ErrUnknownKind, ev.Kind)
		}
		if _, err := ev.EntityID(); err != nil {
			return fmt.Errorf("mutation %s: %w", m.Name, err)
		}
		if m.Rollback == nil || m.Rollback[i] == nil {
			continue
		}
		if _, _, err := events.Inverse(ev, m.Rollback[i]); err != nil {
			return fmt.Errorf("mutation %s: event %d: %w", m.Name, i, err)
		}
	}
	return nil
}

// MutationError reports a mutation the server refused (or that ran out of
// attempts). Its optimistic effects have already been rolled back.
type MutationError struct {
	Name       string
	MutationID string
	Err        error
}

func (e MutationError) Error() string {
	return fmt.Sprintf("mutation %s (%s) rejected: %v", e.Name, e.MutationID, e.Err)
}

func (e MutationError) Unwrap() error { return e.Err }
