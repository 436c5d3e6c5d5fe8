package models

type CategoryKind string

const (
	CategoryIncome  CategoryKind = "income"
	CategoryExpense CategoryKind = "expense"
)

// ActivityCategory groups activities. Categories nest through ParentID.
type ActivityCategory struct {
	ID       string       `json:"id"`
	ParentID string       `json:"parentId"`
	Name     string       `json:"name"`
	Kind     CategoryKind `json:"kind"`
}

func (c ActivityCategory) EntityID() string  { return c.ID }
func (c ActivityCategory) ParentKey() string { return c.ParentID }
