package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrMissingEntityID = errors.New("event payload has no id")

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type EventKind string

const (
	KindCreateAccount EventKind = "createAccount"
	KindUpdateAccount EventKind = "updateAccount"
	KindDeleteAccount EventKind = "deleteAccount"

	KindCreateProject EventKind = "createProject"
	KindUpdateProject EventKind = "updateProject"
	KindDeleteProject EventKind = "deleteProject"

	KindCreateActivityCategory EventKind = "createActivityCategory"
	KindUpdateActivityCategory EventKind = "updateActivityCategory"
	KindDeleteActivityCategory EventKind = "deleteActivityCategory"

	KindCreateActivity EventKind = "createActivity"
	KindUpdateActivity EventKind = "updateActivity"
	KindDeleteActivity EventKind = "deleteActivity"

	KindCreateMovement EventKind = "createMovement"
	KindUpdateMovement EventKind = "updateMovement"
	KindDeleteMovement EventKind = "deleteMovement"
)

// KindInfo says which family an event kind touches and how.
type KindInfo struct {
	Family Family
	Op     Op
}

// Kinds is the closed set of event kinds. Anything not listed here is
// unknown to this client.
var Kinds = map[EventKind]KindInfo{
	KindCreateAccount: {FamilyAccounts, OpCreate},
	KindUpdateAccount: {FamilyAccounts, OpUpdate},
	KindDeleteAccount: {FamilyAccounts, OpDelete},

	KindCreateProject: {FamilyProjects, OpCreate},
	KindUpdateProject: {FamilyProjects, OpUpdate},
	KindDeleteProject: {FamilyProjects, OpDelete},

	KindCreateActivityCategory: {FamilyCategories, OpCreate},
	KindUpdateActivityCategory: {FamilyCategories, OpUpdate},
	KindDeleteActivityCategory: {FamilyCategories, OpDelete},

	KindCreateActivity: {FamilyActivities, OpCreate},
	KindUpdateActivity: {FamilyActivities, OpUpdate},
	KindDeleteActivity: {FamilyActivities, OpDelete},

	KindCreateMovement: {FamilyMovements, OpCreate},
	KindUpdateMovement: {FamilyMovements, OpUpdate},
	KindDeleteMovement: {FamilyMovements, OpDelete},
}

// AllKinds returns every known event kind in a stable order.
func AllKinds() []EventKind {
	kinds := make([]EventKind, 0, len(Kinds))
	for k := range Kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// KindFor returns the event kind performing op on family.
func KindFor(family Family, op Op) (EventKind, bool) {
	for k, info := range Kinds {
		if info.Family == family && info.Op == op {
			return k, true
		}
	}
	return "", false
}

// SyncEvent is one self-sufficient change to a domain store. Payload holds the
// full entity for creates, the id plus changed fields for updates and only the
// id for deletes.
type SyncEvent struct {
	Sequence   int64           `json:"sequence,omitempty"`
	Kind       EventKind       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	ClientID   string          `json:"clientId"`
	MutationID string          `json:"mutationId,omitempty"`
}

// NewEvent marshals payload into an event of the given kind.
func NewEvent(kind EventKind, payload any) (SyncEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncEvent{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return SyncEvent{Kind: kind, Payload: raw, CreatedAt: time.Now().UTC()}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to marshal.
func MustEvent(kind EventKind, payload any) SyncEvent {
	ev, err := NewEvent(kind, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

func (e SyncEvent) Info() (KindInfo, bool) {
	info, ok := Kinds[e.Kind]
	return info, ok
}

// EntityID reads the "id" field of the payload.
func (e SyncEvent) EntityID() (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &head); err != nil {
		return "", fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	if head.ID == "" {
		return "", ErrMissingEntityID
	}
	return head.ID, nil
}

// Clone returns a copy that shares no memory with e.
func (e SyncEvent) Clone() SyncEvent {
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	return e
}

// EventInput is the wire form of one event inside a commitEvents operation.
type EventInput struct {
	Kind    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ExecuteRequest is one remote operation as sent to the server.
type ExecuteRequest struct {
	MutationID string          `json:"mutationId"`
	ClientID   string          `json:"clientId"`
	Operation  string          `json:"operation"`
	Variables  json.RawMessage `json:"variables"`
}

// ExecuteResponse carries the canonical events the server committed.
type ExecuteResponse struct {
	Events []SyncEvent `json:"events"`
}

const (
	StreamEvent  = "event"
	StreamResync = "resync"
)

// StreamMessage is one frame on the subscription channel.
type StreamMessage struct {
	Type  string     `json:"type"`
	Event *SyncEvent `json:"event,omitempty"`
}
