package models

import (
	"time"

	"github.com/google/uuid"
)

// Refund records the obligation to return a losing bid's amount to its
// bidder. One record per (bidder, item) bid, created exactly once at
// round close and never mutated. It is not a completed transfer.
type Refund struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	ItemID    uuid.UUID `json:"item_id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
