// Package ledger is the durable source of truth for rounds, bids and
// refunds. It holds no policy: lifecycle rules live in the round and bid
// services, which drive the ledger through this interface.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/models"
)

var (
	ErrRoundNotFound = errors.New("ledger: round not found")
	ErrNoActiveRound = errors.New("ledger: no active round")
	ErrBidNotFound   = errors.New("ledger: bid not found")
)

// Store is implemented by the Postgres ledger and the in-memory ledger
// used in tests and local runs.
type Store interface {
	// Rounds.
	CreateRound(ctx context.Context, round *models.Round) error
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	// ActiveRound returns the most recently started active round, or
	// ErrNoActiveRound.
	ActiveRound(ctx context.Context) (*models.Round, error)
	// SupersedeActiveRounds force-closes any active round owned by the
	// host without recording a winner, returning the ids it closed.
	// Used when the host opens a new round over a stale one.
	SupersedeActiveRounds(ctx context.Context, hostID uuid.UUID) ([]uuid.UUID, error)
	// CloseRound is the close-once primitive: a conditional transition
	// from active to closed that records the winner and the refund set
	// in one atomic step, so a transient failure can never leave a
	// closed round without its refunds. It reports whether this caller
	// performed the transition; false means the round was already
	// closed (or superseded) by someone else, and nothing was written.
	CloseRound(ctx context.Context, id uuid.UUID, winnerItemID *uuid.UUID, refunds []models.Refund) (bool, error)
	// RoundHistory lists the host's closed rounds, newest first. A
	// limit <= 0 means no limit.
	RoundHistory(ctx context.Context, hostID uuid.UUID, limit int) ([]models.RoundResult, error)

	// Bids.
	GetBid(ctx context.Context, roundID, itemID, bidderID uuid.UUID) (*models.Bid, error)
	UpsertBid(ctx context.Context, bid *models.Bid) error
	BidsForRound(ctx context.Context, roundID uuid.UUID) ([]models.Bid, error)
	BidsForBidder(ctx context.Context, roundID, bidderID uuid.UUID) ([]models.Bid, error)

	// Refunds. Refund records are written only by CloseRound; this is
	// the read side. A limit <= 0 means no limit.
	RefundsForBidder(ctx context.Context, bidderID uuid.UUID, limit int) ([]models.RefundDetail, error)
}
