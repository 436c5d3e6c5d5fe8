package models

type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Archived bool   `json:"archived"`
}

func (p Project) EntityID() string  { return p.ID }
func (p Project) ParentKey() string { return "" }
