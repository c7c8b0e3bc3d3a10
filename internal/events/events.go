// Package events defines the wire events emitted by the round engine and
// the sink the engine writes them to. Producers append events in commit
// order; the gateway fans them out to connected clients in that order.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/leaderboard"
)

// Type identifies an auction event on the wire.
type Type string

const (
	TypeRoundOpened        Type = "round_opened"
	TypeLeaderboardUpdated Type = "leaderboard_updated"
	TypeRoundClosed        Type = "round_closed"
	TypeRefundNotice       Type = "refund_notice"

	// Synchronization messages pushed to a single connection; never
	// staged in the outbox.
	TypeCurrentState  Type = "current_state"
	TypeNoActiveRound Type = "no_active_round"
)

// Event is the envelope shared by every auction event.
type Event struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// BidderID targets a unicast event at a single bidder. Zero for
	// broadcast events.
	BidderID uuid.UUID       `json:"bidder_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// RoundOpenedPayload announces a new round with its zeroed leaderboard.
type RoundOpenedPayload struct {
	RoundID         uuid.UUID               `json:"round_id"`
	HostName        string                  `json:"host_name"`
	DurationSeconds int                     `json:"duration_seconds"`
	Deadline        time.Time               `json:"deadline"`
	Items           leaderboard.Leaderboard `json:"items"`
}

// LastBid summarizes the bid that triggered a leaderboard update, used
// by clients for highlighting.
type LastBid struct {
	ItemID     uuid.UUID `json:"item_id"`
	BidderName string    `json:"bidder_name"`
	Amount     int64     `json:"amount"`
}

// LeaderboardUpdatedPayload carries the full recomputed leaderboard
// after an accepted bid.
type LeaderboardUpdatedPayload struct {
	RoundID uuid.UUID               `json:"round_id"`
	Items   leaderboard.Leaderboard `json:"items"`
	LastBid LastBid                 `json:"last_bid"`
}

// Winner identifies the closing round's winning item. Absent when the
// round closed without bids.
type Winner struct {
	ItemID uuid.UUID `json:"item_id"`
	Title  string    `json:"title"`
	Artist string    `json:"artist"`
	Total  int64     `json:"total"`
}

// RoundClosedPayload is the global close announcement.
type RoundClosedPayload struct {
	RoundID uuid.UUID               `json:"round_id"`
	Winner  *Winner                 `json:"winner,omitempty"`
	Items   leaderboard.Leaderboard `json:"items"`
}

// RefundNoticePayload is unicast to each bidder holding at least one
// refundable bid after a close. Delivery is best-effort; the durable
// refund records remain queryable regardless.
type RefundNoticePayload struct {
	RoundID     uuid.UUID `json:"round_id"`
	TotalAmount int64     `json:"total_amount"`
	ItemTitles  []string  `json:"item_titles"`
}

// Sink accepts events for delivery. The production sink is the durable
// outbox; tests use a recording sink.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// New builds an envelope around a marshalled payload.
func New(roundID uuid.UUID, typ Type, now time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		RoundID:   roundID,
		Type:      typ,
		Timestamp: now,
		Data:      data,
	}, nil
}

// NewUnicast builds an envelope targeted at a single bidder.
func NewUnicast(roundID, bidderID uuid.UUID, typ Type, now time.Time, payload any) (Event, error) {
	ev, err := New(roundID, typ, now, payload)
	if err != nil {
		return Event{}, err
	}
	ev.BidderID = bidderID
	return ev, nil
}
