package models

import "encoding/json"

// Entity is implemented by every record held in a domain store.
type Entity interface {
	EntityID() string
	// ParentKey returns the id used for the store's by-parent index, or "".
	ParentKey() string
}

type Family string

const (
	FamilyAccounts   Family = "accounts"
	FamilyProjects   Family = "projects"
	FamilyCategories Family = "categories"
	FamilyActivities Family = "activities"
	FamilyMovements  Family = "movements"
)

// Families lists every entity family in dependency order: parents before
// the families that reference them.
var Families = []Family{
	FamilyProjects,
	FamilyCategories,
	FamilyAccounts,
	FamilyActivities,
	FamilyMovements,
}

// Snapshot is a full copy of every domain store at a given event sequence.
type Snapshot struct {
	Sequence int64                        `json:"sequence"`
	Families map[Family][]json.RawMessage `json:"families"`
}
