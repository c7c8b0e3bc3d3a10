// Package bid validates and applies bid submissions against the active
// round. Acceptance runs inside the round's critical section so the
// upsert, the leaderboard recomputation and the broadcast are observed
// as one atomic step relative to other bids and the round close.
package bid

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/catalog"
	"github.com/stagebid/stagebid/internal/events"
	"github.com/stagebid/stagebid/internal/leaderboard"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/models"
	"github.com/stagebid/stagebid/internal/round"
)

// Service is the bid processor.
type Service struct {
	store   ledger.Store
	catalog catalog.Repository
	rounds  *round.Service
	sink    events.Sink
	clock   clockwork.Clock
}

func NewService(store ledger.Store, cat catalog.Repository, rounds *round.Service, sink events.Sink, clock clockwork.Clock) *Service {
	return &Service{
		store:   store,
		catalog: cat,
		rounds:  rounds,
		sink:    sink,
		clock:   clock,
	}
}

// Place validates and records a bid, returning the updated leaderboard.
// A resubmission must strictly exceed the bidder's own prior amount on
// that item, not the item's total.
func (s *Service) Place(ctx context.Context, bidderID uuid.UUID, bidderName string, itemID uuid.UUID, amount int64) (leaderboard.Leaderboard, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	active, err := s.store.ActiveRound(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveRound) {
			return nil, ErrNoActiveRound
		}
		return nil, fmt.Errorf("failed to look up active round: %w", err)
	}

	var board leaderboard.Leaderboard
	err = s.rounds.Do(active.ID, func() error {
		// Re-read inside the critical section: the round may have been
		// closed or superseded while we waited for the lock.
		r, err := s.store.GetRound(ctx, active.ID)
		if err != nil {
			return fmt.Errorf("failed to reload round: %w", err)
		}
		if r.Status != models.RoundStatusActive {
			return ErrNoActiveRound
		}
		now := s.clock.Now()
		if r.Expired(now) {
			// Defense in depth; the deadline timer should have closed it.
			return ErrRoundExpired
		}

		item, err := s.catalog.GetItem(ctx, itemID)
		if err != nil {
			if errors.Is(err, catalog.ErrItemNotFound) {
				return ErrItemNotInRound
			}
			return fmt.Errorf("failed to look up item: %w", err)
		}
		if item.HostID != r.HostID {
			return ErrItemNotInRound
		}

		prior, err := s.store.GetBid(ctx, r.ID, itemID, bidderID)
		switch {
		case err == nil:
			if amount <= prior.Amount {
				return fmt.Errorf("%w: current bid is %d", ErrBidTooLow, prior.Amount)
			}
		case errors.Is(err, ledger.ErrBidNotFound):
			// First bid on this item by this bidder.
		default:
			return fmt.Errorf("failed to look up prior bid: %w", err)
		}

		b := &models.Bid{
			ID:        uuid.New(),
			RoundID:   r.ID,
			ItemID:    itemID,
			BidderID:  bidderID,
			Amount:    amount,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertBid(ctx, b); err != nil {
			return fmt.Errorf("failed to record bid: %w", err)
		}

		items, err := s.catalog.ItemsForHost(ctx, r.HostID)
		if err != nil {
			return fmt.Errorf("failed to load host catalog: %w", err)
		}
		bids, err := s.store.BidsForRound(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("failed to load bids: %w", err)
		}
		board = leaderboard.Compute(items, bids)

		ev, err := events.New(r.ID, events.TypeLeaderboardUpdated, now, events.LeaderboardUpdatedPayload{
			RoundID: r.ID,
			Items:   board,
			LastBid: events.LastBid{ItemID: itemID, BidderName: bidderName, Amount: amount},
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to build leaderboard event")
			return nil
		}
		if err := s.sink.Emit(ctx, ev); err != nil {
			log.Warn().Err(err).
				Str("round_id", r.ID.String()).
				Msg("failed to emit leaderboard update")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("round_id", active.ID.String()).
		Str("item_id", itemID.String()).
		Str("bidder_id", bidderID.String()).
		Int64("amount", amount).
		Msg("bid accepted")
	return board, nil
}

// ForBidder returns the caller's bids in the active round.
func (s *Service) ForBidder(ctx context.Context, bidderID uuid.UUID) ([]models.Bid, error) {
	active, err := s.store.ActiveRound(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveRound) {
			return nil, ErrNoActiveRound
		}
		return nil, fmt.Errorf("failed to look up active round: %w", err)
	}
	bids, err := s.store.BidsForBidder(ctx, active.ID, bidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}
