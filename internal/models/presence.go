package models

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// ClientPresence tells which clients currently hold an event subscription
// and how far they have been sent.
type ClientPresence struct {
	ClientID     string         `json:"clientId"`
	Status       PresenceStatus `json:"status"`
	LastSequence int64          `json:"lastSequence"`
	LastSeen     time.Time      `json:"lastSeen"`
}
