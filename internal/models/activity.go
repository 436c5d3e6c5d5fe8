package models

// Activity is one financial event (a purchase, a salary payment) that owns
// one or more movements. Date is a calendar date in YYYY-MM-DD form.
type Activity struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
	Note       string `json:"note"`
	Date       string `json:"date"`
}

func (a Activity) EntityID() string  { return a.ID }
func (a Activity) ParentKey() string { return a.ProjectID }
