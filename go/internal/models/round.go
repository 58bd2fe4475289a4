package models

import (
	"encoding/json"
	"time"
)

// RoundStatus defines the lifecycle status of a round.
type RoundStatus string

const (
	RoundStatusScheduled RoundStatus = "scheduled"
	RoundStatusActive    RoundStatus = "active"
	RoundStatusFinished  RoundStatus = "finished"
	RoundStatusPaused    RoundStatus = "paused"
	RoundStatusSkipped   RoundStatus = "skipped"
)

// Round represents one scheduled quiz instance (legacy quiz or slot).
// StartTime and EndTime are nil when the backend has not set them yet.
// BackendStatus keeps the reported status once Status has been replaced by
// a clock-derived one.
type Round struct {
	ID                    string          `json:"id" validate:"required"`
	Category              string          `json:"category" validate:"required"`
	Title                 string          `json:"title,omitempty"`
	StartTime             *time.Time      `json:"start_time,omitempty"`
	EndTime               *time.Time      `json:"end_time,omitempty"`
	Status                RoundStatus     `json:"status,omitempty" validate:"omitempty,oneof=scheduled active finished paused skipped"`
	ParticipantsJoined    int             `json:"participants_joined" validate:"min=0"`
	ParticipantsPreJoined int             `json:"participants_pre_joined" validate:"min=0"`
	Settings              json.RawMessage `json:"settings,omitempty"`
	BackendStatus         RoundStatus     `json:"backend_status,omitempty"`
}

// HasBounds reports whether both start and end times are known.
func (r Round) HasBounds() bool {
	return r.StartTime != nil && r.EndTime != nil
}

// ReportedStatus is the backend's own status for the round.
func (r Round) ReportedStatus() RoundStatus {
	if r.BackendStatus != "" {
		return r.BackendStatus
	}
	return r.Status
}

// IsClosed reports whether the backend considers the round over for good.
// A round that merely ended on the local clock is not closed.
func (r Round) IsClosed() bool {
	s := r.ReportedStatus()
	return s == RoundStatusFinished || s == RoundStatusSkipped
}
