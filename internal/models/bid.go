package models

import (
	"time"

	"github.com/google/uuid"
)

// Bid is a bidder's stake on one item within one round. There is at most
// one logical bid per (round, item, bidder); a resubmission updates the
// record in place and must strictly exceed the bidder's prior amount.
type Bid struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	ItemID    uuid.UUID `json:"item_id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
