package stores

import (
	"encoding/json"
	"fmt"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// Registry owns one store per entity family. Each engine or server instance
// gets its own registry.
type Registry struct {
	Accounts   *Store[models.Account]
	Projects   *Store[models.Project]
	Categories *Store[models.ActivityCategory]
	Activities *Store[models.Activity]
	Movements  *Store[models.Movement]
}

func NewRegistry() *Registry {
	return &Registry{
		Accounts:   NewStore[models.Account](models.FamilyAccounts),
		Projects:   NewStore[models.Project](models.FamilyProjects),
		Categories: NewStore[models.ActivityCategory](models.FamilyCategories),
		Activities: NewStore[models.Activity](models.FamilyActivities),
		Movements:  NewStore[models.Movement](models.FamilyMovements),
	}
}

func (r *Registry) Collection(family models.Family) (Collection, bool) {
	switch family {
	case models.FamilyAccounts:
		return r.Accounts, true
	case models.FamilyProjects:
		return r.Projects, true
	case models.FamilyCategories:
		return r.Categories, true
	case models.FamilyActivities:
		return r.Activities, true
	case models.FamilyMovements:
		return r.Movements, true
	}
	return nil, false
}

// Snapshot exports every store, tagged with the given event sequence.
func (r *Registry) Snapshot(sequence int64) (*models.Snapshot, error) {
	snap := &models.Snapshot{Sequence: sequence, Families: make(map[models.Family][]json.RawMessage, len(models.Families))}
	for _, f := range models.Families {
		c, _ := r.Collection(f)
		items, err := c.Export()
		if err != nil {
			return nil, err
		}
		snap.Families[f] = items
	}
	return snap, nil
}

// Restore replaces every store with the snapshot contents. Families missing
// from the snapshot become empty.
func (r *Registry) Restore(snap *models.Snapshot) error {
	for _, f := range models.Families {
		c, _ := r.Collection(f)
		if err := c.Replace(snap.Families[f]); err != nil {
			return fmt.Errorf("failed to restore %s: %w", f, err)
		}
	}
	return nil
}
