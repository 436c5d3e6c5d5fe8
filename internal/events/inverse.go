package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// Inverse builds the event that undoes ev given the rollback data captured
// before ev was applied. It reports false when there is nothing to undo.
func Inverse(ev models.SyncEvent, rollback json.RawMessage) (models.SyncEvent, bool, error) {
	info, ok := ev.Info()
	if !ok {
		return models.SyncEvent{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	id, err := ev.EntityID()
	if err != nil {
		return models.SyncEvent{}, false, err
	}
	// a persisted nil entry comes back as the literal null
	if string(bytes.TrimSpace(rollback)) == "null" {
		rollback = nil
	}
	inv := models.SyncEvent{
		CreatedAt:  time.Now().UTC(),
		ClientID:   ev.ClientID,
		MutationID: ev.MutationID,
	}
	switch info.Op {
	case models.OpCreate:
		if len(rollback) > 0 {
			payload, err := withID(rollback, id)
			if err != nil {
				return models.SyncEvent{}, false, err
			}
			inv.Kind = ev.Kind
			inv.Payload = payload
			break
		}
		payload, err := json.Marshal(map[string]string{"id": id})
		if err != nil {
			return models.SyncEvent{}, false, err
		}
		inv.Kind, _ = models.KindFor(info.Family, models.OpDelete)
		inv.Payload = payload
	case models.OpUpdate:
		if len(rollback) == 0 {
			return models.SyncEvent{}, false, nil
		}
		payload, err := withID(rollback, id)
		if err != nil {
			return models.SyncEvent{}, false, err
		}
		inv.Kind = ev.Kind
		inv.Payload = payload
	case models.OpDelete:
		if len(rollback) == 0 {
			return models.SyncEvent{}, false, nil
		}
		payload, err := withID(rollback, id)
		if err != nil {
			return models.SyncEvent{}, false, err
		}
		inv.Kind, _ = models.KindFor(info.Family, models.OpCreate)
		inv.Payload = payload
	}
	return inv, true, nil
}

// withID returns rollback with the entity id filled in. Callers may supply
// rollback data holding only the prior field values.
func withID(rollback json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rollback, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: rollback data must be a JSON object", ErrInvalidRollback)
	}
	if raw, ok := fields["id"]; ok {
		var got string
		if err := json.Unmarshal(raw, &got); err != nil || got != id {
			return nil, fmt.Errorf("%w: rollback id does not match %q", ErrInvalidRollback, id)
		}
		return append(json.RawMessage(nil), rollback...), nil
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = idRaw
	return json.Marshal(fields)
}
