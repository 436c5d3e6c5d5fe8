package models

import (
	"time"
)

type AccountType string

const (
	AccountCash    AccountType = "cash"
	AccountBank    AccountType = "bank"
	AccountCredit  AccountType = "credit"
	AccountSavings AccountType = "savings"
)

// Account is a place money lives. StartingBalance is in minor units of Currency.
type Account struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Type            AccountType `json:"type"`
	Currency        string      `json:"currency"`
	StartingBalance int64       `json:"startingBalance"`
	Archived        bool        `json:"archived"`
	CreatedAt       time.Time   `json:"createdAt"`
}

func (a Account) EntityID() string  { return a.ID }
func (a Account) ParentKey() string { return "" }
