package models

// Movement moves Amount (minor units, negative for outflow) in or out of an
// account on behalf of an activity.
type Movement struct {
	ID         string `json:"id"`
	ActivityID string `json:"activityId"`
	AccountID  string `json:"accountId"`
	Amount     int64  `json:"amount"`
	Date       string `json:"date"`
	Confirmed  bool   `json:"confirmed"`
}

func (m Movement) EntityID() string  { return m.ID }
func (m Movement) ParentKey() string { return m.ActivityID }
