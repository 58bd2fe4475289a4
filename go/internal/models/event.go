package models

import "time"

const EventRoundChanged = "round.changed"

// RoundEvent is the envelope published when a round row changes.
type RoundEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	RoundID   string    `json:"roundId"`
	Category  string    `json:"category"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
