// Package round owns the round lifecycle: none → active → closed. It is
// the only writer of round status, schedules the close timer, and
// guarantees that the active→closed transition runs its winner and
// refund logic exactly once no matter how many triggers race for it.
package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/catalog"
	"github.com/stagebid/stagebid/internal/events"
	"github.com/stagebid/stagebid/internal/leaderboard"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/models"
)

const (
	// DefaultDurationSeconds applies when the host does not choose one.
	DefaultDurationSeconds = 60

	historyLimit = 20
	closeTimeout = 10 * time.Second
)

// Snapshot is the full current-state view served to newly connected or
// reconnected parties before any incremental event reaches them.
type Snapshot struct {
	Round       *models.Round           `json:"round"`
	Leaderboard leaderboard.Leaderboard `json:"leaderboard"`
	ServerTime  time.Time               `json:"server_time"`
}

// CloseResult is the outcome of a close request. A request that lost the
// close-once race reports AlreadyClosed and carries the winning
// attempt's result, not a recomputation.
type CloseResult struct {
	RoundID       uuid.UUID               `json:"round_id"`
	Winner        *events.Winner          `json:"winner,omitempty"`
	Leaderboard   leaderboard.Leaderboard `json:"leaderboard"`
	AlreadyClosed bool                    `json:"-"`
}

// Service is the round state machine.
type Service struct {
	store   ledger.Store
	catalog catalog.Repository
	sink    events.Sink
	clock   clockwork.Clock

	// One outstanding close timer per active round, keyed by round id.
	timersMu sync.Mutex
	timers   map[uuid.UUID]*roundTimer

	// Per-round critical sections linearizing bid acceptance and close
	// for the same round without blocking unrelated rounds.
	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewService(store ledger.Store, cat catalog.Repository, sink events.Sink, clock clockwork.Clock) *Service {
	return &Service{
		store:   store,
		catalog: cat,
		sink:    sink,
		clock:   clock,
		timers:  make(map[uuid.UUID]*roundTimer),
		locks:   make(map[uuid.UUID]*sync.Mutex),
		stopCh:  make(chan struct{}),
	}
}

// Do runs fn inside the round's critical section. The bid processor uses
// it so that bid acceptance and round close serialize per round.
func (s *Service) Do(roundID uuid.UUID, fn func() error) error {
	mu := s.lockFor(roundID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (s *Service) lockFor(roundID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[roundID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[roundID] = mu
	}
	return mu
}

// releaseLock drops the round's lock entry once the round is closed. A
// straggler that races this and mints a fresh mutex is harmless: the
// ledger's conditional update already refuses work on a closed round.
func (s *Service) releaseLock(roundID uuid.UUID) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.locks, roundID)
}

// Open starts a new round for the host. Any active round the host still
// has is force-closed as superseded (no winner, no refunds) and its
// timer cancelled before the new round is persisted and announced.
func (s *Service) Open(ctx context.Context, hostID uuid.UUID, hostName string, durationSeconds int) (*models.Round, leaderboard.Leaderboard, error) {
	if durationSeconds <= 0 {
		durationSeconds = DefaultDurationSeconds
	}

	items, err := s.catalog.ItemsForHost(ctx, hostID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load host catalog: %w", err)
	}
	if len(items) == 0 {
		return nil, nil, ErrNoItems
	}

	superseded, err := s.store.SupersedeActiveRounds(ctx, hostID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to supersede previous round: %w", err)
	}
	for _, id := range superseded {
		s.cancelTimer(id)
		s.releaseLock(id)
		log.Info().Str("round_id", id.String()).Msg("superseded stale active round")
	}

	now := s.clock.Now()
	r := &models.Round{
		ID:              uuid.New(),
		HostID:          hostID,
		Status:          models.RoundStatusActive,
		DurationSeconds: durationSeconds,
		StartTime:       now,
		EndTime:         now.Add(time.Duration(durationSeconds) * time.Second),
		CreatedAt:       now,
	}
	if err := s.store.CreateRound(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("failed to persist round: %w", err)
	}

	board := leaderboard.Compute(items, nil)
	s.emit(ctx, events.TypeRoundOpened, r.ID, events.RoundOpenedPayload{
		RoundID:         r.ID,
		HostName:        hostName,
		DurationSeconds: durationSeconds,
		Deadline:        r.EndTime,
		Items:           board,
	})

	s.armCloseTimer(r.ID, r.EndTime)

	log.Info().
		Str("round_id", r.ID.String()).
		Str("host_id", hostID.String()).
		Int("duration_seconds", durationSeconds).
		Time("deadline", r.EndTime).
		Msg("round opened")
	return r, board, nil
}

// Close handles an explicit host request. It validates ownership and
// then funnels into the same idempotent close path the timer uses.
func (s *Service) Close(ctx context.Context, roundID, hostID uuid.UUID) (*CloseResult, error) {
	r, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.HostID != hostID {
		return nil, ErrNotRoundHost
	}
	return s.requestClose(ctx, roundID)
}

// requestClose is the single entry point for the active→closed
// transition, shared by the deadline timer and host requests. Calling it
// on a closed round is a no-op that returns the stored result.
func (s *Service) requestClose(ctx context.Context, roundID uuid.UUID) (*CloseResult, error) {
	mu := s.lockFor(roundID)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Status == models.RoundStatusClosed {
		res, err := s.closedResult(ctx, r)
		if err != nil {
			return nil, err
		}
		res.AlreadyClosed = true
		return res, nil
	}

	items, err := s.catalog.ItemsForHost(ctx, r.HostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host catalog: %w", err)
	}
	bids, err := s.store.BidsForRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bids: %w", err)
	}
	board := leaderboard.Compute(items, bids)
	winnerEntry := board.Winner()

	var winnerID *uuid.UUID
	if winnerEntry != nil {
		winnerID = &winnerEntry.ItemID
	}
	// The status transition and the refund set commit atomically: a
	// failure here leaves the round active and the whole close retries.
	refunds := buildRefunds(bids, winnerID, s.clock.Now())
	claimed, err := s.store.CloseRound(ctx, roundID, winnerID, refunds)
	if err != nil {
		return nil, fmt.Errorf("failed to close round: %w", err)
	}
	if !claimed {
		// Lost the close-once race to another process; observe its
		// result rather than recomputing.
		r, err := s.store.GetRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		res, err := s.closedResult(ctx, r)
		if err != nil {
			return nil, err
		}
		res.AlreadyClosed = true
		return res, nil
	}

	s.cancelTimer(roundID)

	var winner *events.Winner
	if winnerEntry != nil {
		winner = &events.Winner{
			ItemID: winnerEntry.ItemID,
			Title:  winnerEntry.Title,
			Artist: winnerEntry.Artist,
			Total:  winnerEntry.Total,
		}
	}
	s.emit(ctx, events.TypeRoundClosed, roundID, events.RoundClosedPayload{
		RoundID: roundID,
		Winner:  winner,
		Items:   board,
	})
	s.emitRefundNotices(ctx, roundID, refunds, items)
	s.releaseLock(roundID)

	log.Info().
		Str("round_id", roundID.String()).
		Bool("has_winner", winner != nil).
		Int("refunds", len(refunds)).
		Msg("round closed")
	return &CloseResult{RoundID: roundID, Winner: winner, Leaderboard: board}, nil
}

// closedResult rebuilds the result of an already-performed close from
// durable state only.
func (s *Service) closedResult(ctx context.Context, r *models.Round) (*CloseResult, error) {
	items, err := s.catalog.ItemsForHost(ctx, r.HostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host catalog: %w", err)
	}
	bids, err := s.store.BidsForRound(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bids: %w", err)
	}
	board := leaderboard.Compute(items, bids)

	var winner *events.Winner
	if r.WinnerItemID != nil {
		for i := range board {
			if board[i].ItemID == *r.WinnerItemID {
				winner = &events.Winner{
					ItemID: board[i].ItemID,
					Title:  board[i].Title,
					Artist: board[i].Artist,
					Total:  board[i].Total,
				}
				break
			}
		}
	}
	return &CloseResult{RoundID: r.ID, Winner: winner, Leaderboard: board}, nil
}

// buildRefunds returns one refund per bid on a non-winning item; with no
// winner every bid is refundable.
func buildRefunds(bids []models.Bid, winnerItemID *uuid.UUID, now time.Time) []models.Refund {
	var refunds []models.Refund
	for _, b := range bids {
		if winnerItemID != nil && b.ItemID == *winnerItemID {
			continue
		}
		refunds = append(refunds, models.Refund{
			ID:        uuid.New(),
			RoundID:   b.RoundID,
			ItemID:    b.ItemID,
			BidderID:  b.BidderID,
			Amount:    b.Amount,
			CreatedAt: now,
		})
	}
	return refunds
}

// emit appends a broadcast event to the sink. Emission failures never
// fail the triggering operation: durable state is authoritative and the
// snapshot path recovers any missed update.
func (s *Service) emit(ctx context.Context, typ events.Type, roundID uuid.UUID, payload any) {
	ev, err := events.New(roundID, typ, s.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("failed to build event")
		return
	}
	if err := s.sink.Emit(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("event_type", string(typ)).
			Str("round_id", roundID.String()).
			Msg("failed to emit event")
	}
}

// emitRefundNotices unicasts one aggregated notice per refunded bidder.
func (s *Service) emitRefundNotices(ctx context.Context, roundID uuid.UUID, refunds []models.Refund, items []models.Item) {
	titles := make(map[uuid.UUID]string, len(items))
	for _, it := range items {
		titles[it.ID] = it.Title
	}

	type aggregate struct {
		total  int64
		titles []string
	}
	byBidder := make(map[uuid.UUID]*aggregate)
	var order []uuid.UUID
	for _, r := range refunds {
		agg := byBidder[r.BidderID]
		if agg == nil {
			agg = &aggregate{}
			byBidder[r.BidderID] = agg
			order = append(order, r.BidderID)
		}
		agg.total += r.Amount
		agg.titles = append(agg.titles, titles[r.ItemID])
	}

	now := s.clock.Now()
	for _, bidderID := range order {
		agg := byBidder[bidderID]
		ev, err := events.NewUnicast(roundID, bidderID, events.TypeRefundNotice, now, events.RefundNoticePayload{
			RoundID:     roundID,
			TotalAmount: agg.total,
			ItemTitles:  agg.titles,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to build refund notice")
			continue
		}
		if err := s.sink.Emit(ctx, ev); err != nil {
			// Delivery is best-effort; the refund records themselves are
			// already durable and queryable.
			log.Warn().Err(err).
				Str("round_id", roundID.String()).
				Str("bidder_id", bidderID.String()).
				Msg("failed to emit refund notice")
		}
	}
}

// Snapshot serves the active round plus its re-derived leaderboard, or
// ledger.ErrNoActiveRound when nothing is running.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	r, err := s.store.ActiveRound(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.catalog.ItemsForHost(ctx, r.HostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host catalog: %w", err)
	}
	bids, err := s.store.BidsForRound(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bids: %w", err)
	}
	return &Snapshot{
		Round:       r,
		Leaderboard: leaderboard.Compute(items, bids),
		ServerTime:  s.clock.Now(),
	}, nil
}

// History lists the host's closed rounds, newest first.
func (s *Service) History(ctx context.Context, hostID uuid.UUID) ([]models.RoundResult, error) {
	return s.store.RoundHistory(ctx, hostID, historyLimit)
}

// Resume re-arms the close timer for a round that was active when the
// process last stopped. A round whose deadline already passed is closed
// immediately; its leaderboard re-derives from stored bids alone.
func (s *Service) Resume(ctx context.Context) error {
	r, err := s.store.ActiveRound(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveRound) {
			return nil
		}
		return err
	}
	if r.Expired(s.clock.Now()) {
		log.Info().Str("round_id", r.ID.String()).Msg("closing expired round found at startup")
		_, err := s.requestClose(ctx, r.ID)
		return err
	}
	s.armCloseTimer(r.ID, r.EndTime)
	log.Info().
		Str("round_id", r.ID.String()).
		Time("deadline", r.EndTime).
		Msg("re-armed close timer for active round")
	return nil
}

// Stop cancels all outstanding timers. Pending closes are not executed;
// Resume picks them up on the next start.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for id, t := range s.timers {
		stopAndDrainTimer(t.timer)
		delete(s.timers, id)
	}
}
