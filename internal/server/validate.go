package server

import (
	"encoding/json"
	"fmt"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/stores"
)

// OperationCommitEvents commits a list of events as one atomic batch.
const OperationCommitEvents = "commitEvents"

// decodeOperation turns a remote operation into the events it commits.
// Every event kind is also an operation whose variables are the payload.
func decodeOperation(req models.ExecuteRequest) ([]models.SyncEvent, error) {
	var inputs []models.EventInput
	switch {
	case req.Operation == OperationCommitEvents:
		if err := json.Unmarshal(req.Variables, &inputs); err != nil {
			return nil, fmt.Errorf("%w: commitEvents variables: %v", ErrBadRequest, err)
		}
		if len(inputs) == 0 {
			return nil, fmt.Errorf("%w: commitEvents without events", ErrValidation)
		}
	default:
		if _, ok := models.Kinds[models.EventKind(req.Operation)]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Operation)
		}
		inputs = []models.EventInput{{Kind: models.EventKind(req.Operation), Payload: req.Variables}}
	}

	evs := make([]models.SyncEvent, len(inputs))
	for i, in := range inputs {
		if _, ok := models.Kinds[in.Kind]; !ok {
			return nil, fmt.Errorf("%w: event kind %q", ErrUnknownOperation, in.Kind)
		}
		if !json.Valid(in.Payload) {
			return nil, fmt.Errorf("%w: %s payload is not JSON", ErrBadRequest, in.Kind)
		}
		evs[i] = models.SyncEvent{
			Kind:    in.Kind,
			Payload: append(json.RawMessage(nil), in.Payload...),
		}
	}
	return evs, nil
}

// fields is a decoded event payload.
type fields map[string]json.RawMessage

func (f fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

// str returns a string field; null and absent read as "".
func (f fields) str(key string) (string, error) {
	raw, ok := f[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrValidation, key)
	}
	return s, nil
}

// validator checks events against the authoritative stores before they are
// applied. Rules are server-side business rules; clients never run them.
type validator struct {
	reg *stores.Registry
}

func (v validator) check(ev models.SyncEvent) error {
	info, _ := ev.Info()
	id, err := ev.EntityID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var f fields
	if err := json.Unmarshal(ev.Payload, &f); err != nil {
		return fmt.Errorf("%w: %s payload must be an object", ErrValidation, ev.Kind)
	}
	coll, _ := v.reg.Collection(info.Family)

	switch info.Op {
	case models.OpCreate:
		if coll.Has(id) {
			return fmt.Errorf("%w: %s %s already exists", ErrConflict, info.Family, id)
		}
		if err := v.required(info.Family, f); err != nil {
			return err
		}
		return v.references(info.Family, id, f)
	case models.OpUpdate:
		if !coll.Has(id) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, info.Family, id)
		}
		if err := v.notCleared(info.Family, f); err != nil {
			return err
		}
		return v.references(info.Family, id, f)
	case models.OpDelete:
		if !coll.Has(id) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, info.Family, id)
		}
		return v.unreferenced(info.Family, id)
	}
	return nil
}

var requiredFields = map[models.Family][]string{
	models.FamilyAccounts:   {"name"},
	models.FamilyProjects:   {"name"},
	models.FamilyCategories: {"name"},
	models.FamilyActivities: {"title"},
	models.FamilyMovements:  {"accountId", "activityId"},
}

func (v validator) required(family models.Family, f fields) error {
	for _, key := range requiredFields[family] {
		s, err := f.str(key)
		if err != nil {
			return err
		}
		if s == "" {
			return fmt.Errorf("%w: %s requires %s", ErrValidation, family, key)
		}
	}
	return nil
}

// notCleared refuses updates that blank a required field.
func (v validator) notCleared(family models.Family, f fields) error {
	for _, key := range requiredFields[family] {
		if !f.has(key) {
			continue
		}
		s, err := f.str(key)
		if err != nil {
			return err
		}
		if s == "" {
			return fmt.Errorf("%w: %s cannot be cleared", ErrValidation, key)
		}
	}
	return nil
}

type reference struct {
	key    string
	target models.Family
}

var references = map[models.Family][]reference{
	models.FamilyCategories: {{"parentId", models.FamilyCategories}},
	models.FamilyActivities: {{"projectId", models.FamilyProjects}, {"categoryId", models.FamilyCategories}},
	models.FamilyMovements:  {{"accountId", models.FamilyAccounts}, {"activityId", models.FamilyActivities}},
}

func (v validator) references(family models.Family, id string, f fields) error {
	for _, ref := range references[family] {
		target, err := f.str(ref.key)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		coll, _ := v.reg.Collection(ref.target)
		if !coll.Has(target) {
			return fmt.Errorf("%w: %s %s does not exist", ErrValidation, ref.key, target)
		}
		if family == models.FamilyCategories && ref.key == "parentId" && v.createsCycle(id, target) {
			return fmt.Errorf("%w: category %s cannot be nested under itself", ErrValidation, id)
		}
	}
	if family == models.FamilyCategories && f.has("kind") {
		kind, err := f.str("kind")
		if err != nil {
			return err
		}
		switch models.CategoryKind(kind) {
		case "", models.CategoryIncome, models.CategoryExpense:
		default:
			return fmt.Errorf("%w: unknown category kind %q", ErrValidation, kind)
		}
	}
	return nil
}

// createsCycle walks up from parent looking for id.
func (v validator) createsCycle(id, parent string) bool {
	seen := map[string]bool{}
	for p := parent; p != ""; {
		if p == id || seen[p] {
			return true
		}
		seen[p] = true
		c, ok := v.reg.Categories.Get(p)
		if !ok {
			return false
		}
		p = c.ParentID
	}
	return false
}

// unreferenced refuses to delete entities other entities still point at.
func (v validator) unreferenced(family models.Family, id string) error {
	inUse := func(what string, n int) error {
		if n == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s %s still has %d %s", ErrConflict, family, id, n, what)
	}
	switch family {
	case models.FamilyAccounts:
		n := 0
		for _, m := range v.reg.Movements.List() {
			if m.AccountID == id {
				n++
			}
		}
		return inUse("movements", n)
	case models.FamilyProjects:
		return inUse("activities", len(v.reg.Activities.Children(id)))
	case models.FamilyActivities:
		return inUse("movements", len(v.reg.Movements.Children(id)))
	case models.FamilyCategories:
		if err := inUse("subcategories", len(v.reg.Categories.Children(id))); err != nil {
			return err
		}
		n := 0
		for _, a := range v.reg.Activities.List() {
			if a.CategoryID == id {
				n++
			}
		}
		return inUse("activities", n)
	}
	return nil
}
