package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the lifecycle state of a bidding round.
type RoundStatus string

const (
	RoundStatusActive RoundStatus = "ACTIVE"
	RoundStatusClosed RoundStatus = "CLOSED"
)

// Round represents one timed bidding round owned by a host. At most one
// round per host is active at any instant; a closed round is immutable
// except for WinnerItemID, which is set exactly once at close.
type Round struct {
	ID              uuid.UUID   `json:"id"`
	HostID          uuid.UUID   `json:"host_id"`
	Status          RoundStatus `json:"status"`
	DurationSeconds int         `json:"duration_seconds"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         time.Time   `json:"end_time"` // nominal deadline, fixed at creation
	WinnerItemID    *uuid.UUID  `json:"winner_item_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Expired reports whether the round's nominal deadline has passed at t.
func (r *Round) Expired(t time.Time) bool {
	return !t.Before(r.EndTime)
}

// RoundResult is a closed round joined with its winning item, used for
// the host's history listing.
type RoundResult struct {
	Round         Round   `json:"round"`
	WinnerTitle   *string `json:"winner_title,omitempty"`
	WinnerArtist  *string `json:"winner_artist,omitempty"`
	WinningAmount int64   `json:"winning_amount"`
}
