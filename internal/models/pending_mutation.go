package models

import (
	"encoding/json"
	"time"
)

type MutationStatus string

const (
	StatusQueued   MutationStatus = "queued"
	StatusInFlight MutationStatus = "in-flight"
	StatusFailed   MutationStatus = "failed"
)

// PendingMutation is a write that was applied locally but not yet confirmed
// by the server. Rollback is aligned with Events: entry i holds what is needed
// to undo Events[i] (nil for creates of a new id).
type PendingMutation struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Operation  string            `json:"operation"`
	Variables  json.RawMessage   `json:"variables"`
	Events     []SyncEvent       `json:"events,omitempty"`
	Rollback   []json.RawMessage `json:"rollback,omitempty"`
	Status     MutationStatus    `json:"status"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

func (m *PendingMutation) Clone() *PendingMutation {
	c := *m
	c.Variables = append(json.RawMessage(nil), m.Variables...)
	if m.Events != nil {
		c.Events = make([]SyncEvent, len(m.Events))
		for i, ev := range m.Events {
			c.Events[i] = ev.Clone()
		}
	}
	if m.Rollback != nil {
		c.Rollback = make([]json.RawMessage, len(m.Rollback))
		for i, r := range m.Rollback {
			if r != nil {
				c.Rollback[i] = append(json.RawMessage(nil), r...)
			}
		}
	}
	return &c
}
