// Package stores holds the in-memory domain stores, one per entity family.
package stores

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// Collection is the untyped view of a store used by the event applier. All
// values cross it as JSON so callers never hold a live entity.
type Collection interface {
	Family() models.Family
	Has(id string) bool
	// Put inserts or overwrites the entity encoded in raw and returns its id.
	Put(raw json.RawMessage) (string, error)
	// Patch overlays the fields in patch onto entity id. It reports false when
	// the entity does not exist.
	Patch(id string, patch json.RawMessage) (bool, error)
	Delete(id string) bool
	Raw(id string) (json.RawMessage, bool, error)
	// Fields returns id plus the current value of each key, null for keys the
	// entity does not carry.
	Fields(id string, keys []string) (json.RawMessage, bool, error)
	Export() ([]json.RawMessage, error)
	Replace(items []json.RawMessage) error
	Len() int
}

// Store is the canonical holder of one entity family.
type Store[T models.Entity] struct {
	family   models.Family
	mu       sync.RWMutex
	items    map[string]T
	byParent map[string]map[string]struct{}
}

func NewStore[T models.Entity](family models.Family) *Store[T] {
	return &Store[T]{
		family:   family,
		items:    make(map[string]T),
		byParent: make(map[string]map[string]struct{}),
	}
}

func (s *Store[T]) Family() models.Family { return s.family }

func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

func (s *Store[T]) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// List returns all entities ordered by id.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(string) bool { return true })
}

// Children returns the entities whose ParentKey is parent, ordered by id.
func (s *Store[T]) Children(parent string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byParent[parent]
	return s.sorted(func(id string) bool {
		_, ok := ids[id]
		return ok
	})
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Set inserts or replaces v.
func (s *Store[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(v)
}

// Remove deletes id and reports whether it existed.
func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(id)
}

func (s *Store[T]) Put(raw json.RawMessage) (string, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("failed to decode %s entity: %w", s.family, err)
	}
	if v.EntityID() == "" {
		return "", models.ErrMissingEntityID
	}
	s.Set(v)
	return v.EntityID(), nil
}

func (s *Store[T]) Patch(id string, patch json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[id]
	if !ok {
		return false, nil
	}
	next, err := mergePatch(cur, patch)
	if err != nil {
		return true, fmt.Errorf("failed to patch %s %s: %w", s.family, id, err)
	}
	s.set(next)
	return true, nil
}

func (s *Store[T]) Delete(id string) bool { return s.Remove(id) }

func (s *Store[T]) Raw(id string) (json.RawMessage, bool, error) {
	v, ok := s.Get(id)
	if !ok {
		return nil, false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, true, fmt.Errorf("failed to encode %s %s: %w", s.family, id, err)
	}
	return raw, true, nil
}

func (s *Store[T]) Fields(id string, keys []string) (json.RawMessage, bool, error) {
	v, ok := s.Get(id)
	if !ok {
		return nil, false, nil
	}
	raw, err := pickFields(v, id, keys)
	if err != nil {
		return nil, true, fmt.Errorf("failed to capture %s %s: %w", s.family, id, err)
	}
	return raw, true, nil
}

func (s *Store[T]) Export() ([]json.RawMessage, error) {
	items := s.List()
	out := make([]json.RawMessage, 0, len(items))
	for _, v := range items {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %s: %w", s.family, v.EntityID(), err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Replace swaps the whole collection. Nothing changes if any item fails to decode.
func (s *Store[T]) Replace(items []json.RawMessage) error {
	decoded := make([]T, 0, len(items))
	for _, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("failed to decode %s entity: %w", s.family, err)
		}
		decoded = append(decoded, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T, len(decoded))
	s.byParent = make(map[string]map[string]struct{})
	for _, v := range decoded {
		s.set(v)
	}
	return nil
}

func (s *Store[T]) set(v T) {
	id := v.EntityID()
	if old, ok := s.items[id]; ok {
		s.unindex(old)
	}
	s.items[id] = v
	if p := v.ParentKey(); p != "" {
		if s.byParent[p] == nil {
			s.byParent[p] = make(map[string]struct{})
		}
		s.byParent[p][id] = struct{}{}
	}
}

func (s *Store[T]) remove(id string) bool {
	old, ok := s.items[id]
	if !ok {
		return false
	}
	s.unindex(old)
	delete(s.items, id)
	return true
}

func (s *Store[T]) unindex(v T) {
	p := v.ParentKey()
	if p == "" {
		return
	}
	if ids, ok := s.byParent[p]; ok {
		delete(ids, v.EntityID())
		if len(ids) == 0 {
			delete(s.byParent, p)
		}
	}
}

func (s *Store[T]) sorted(keep func(id string) bool) []T {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		if keep(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = s.items[id]
	}
	return out
}
