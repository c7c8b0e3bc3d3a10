package bid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stagebid/stagebid/internal/events"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/models"
	"github.com/stagebid/stagebid/internal/round"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store  *ledger.Memory
	sink   *recordingSink
	clock  *clockwork.FakeClock
	rounds *round.Service
	svc    *Service
	host   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemory()
	sink := &recordingSink{}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	rounds := round.NewService(store, store, sink, clock)
	t.Cleanup(rounds.Stop)
	return &fixture{
		store:  store,
		sink:   sink,
		clock:  clock,
		rounds: rounds,
		svc:    NewService(store, store, rounds, sink, clock),
		host:   uuid.New(),
	}
}

func (f *fixture) addItem(t *testing.T, title string) uuid.UUID {
	t.Helper()
	item := &models.Item{
		ID: uuid.New(), HostID: f.host, Title: title, Artist: "artist",
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateItem(context.Background(), item))
	return item.ID
}

func (f *fixture) openRound(t *testing.T) *models.Round {
	t.Helper()
	r, _, err := f.rounds.Open(context.Background(), f.host, "DJ", 60)
	require.NoError(t, err)
	return r
}

func TestPlace_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []int64{0, -5} {
		_, err := f.svc.Place(context.Background(), uuid.New(), "fan", uuid.New(), amount)
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestPlace_NoActiveRound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Place(context.Background(), uuid.New(), "fan", uuid.New(), 100)
	require.ErrorIs(t, err, ErrNoActiveRound)
}

func TestPlace_UnknownItem(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "Song A")
	f.openRound(t)

	_, err := f.svc.Place(context.Background(), uuid.New(), "fan", uuid.New(), 100)
	require.ErrorIs(t, err, ErrItemNotInRound)
}

func TestPlace_ItemFromAnotherHost(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "Song A")
	f.openRound(t)

	foreign := &models.Item{
		ID: uuid.New(), HostID: uuid.New(), Title: "Not mine",
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateItem(context.Background(), foreign))

	_, err := f.svc.Place(context.Background(), uuid.New(), "fan", foreign.ID, 100)
	require.ErrorIs(t, err, ErrItemNotInRound)
}

func TestPlace_ExpiredRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.addItem(t, "Song A")

	// An active round whose deadline already passed, as after a crash
	// before the timer-driven close ran.
	now := f.clock.Now()
	r := &models.Round{
		ID: uuid.New(), HostID: f.host, Status: models.RoundStatusActive,
		DurationSeconds: 60,
		StartTime:       now.Add(-2 * time.Minute),
		EndTime:         now.Add(-time.Minute),
		CreatedAt:       now.Add(-2 * time.Minute),
	}
	require.NoError(t, f.store.CreateRound(ctx, r))

	_, err := f.svc.Place(ctx, uuid.New(), "fan", itemID, 100)
	require.ErrorIs(t, err, ErrRoundExpired)
}

func TestPlace_FirstBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.addItem(t, "Song A")
	r := f.openRound(t)
	bidder := uuid.New()

	board, err := f.svc.Place(ctx, bidder, "fan", itemID, 100)
	require.NoError(t, err)
	require.Len(t, board, 1)
	require.Equal(t, int64(100), board[0].Total)
	require.Equal(t, 1, board[0].Bidders)

	got, err := f.store.GetBid(ctx, r.ID, itemID, bidder)
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Amount)

	updates := f.sink.ofType(events.TypeLeaderboardUpdated)
	require.Len(t, updates, 1)
	require.Equal(t, r.ID, updates[0].RoundID)
}

func TestPlace_RebidMustExceedOwnAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.addItem(t, "Song A")
	f.openRound(t)
	bidder := uuid.New()

	_, err := f.svc.Place(ctx, bidder, "fan", itemID, 100)
	require.NoError(t, err)

	for _, amount := range []int64{50, 100} {
		_, err := f.svc.Place(ctx, bidder, "fan", itemID, amount)
		require.ErrorIs(t, err, ErrBidTooLow)
		require.Contains(t, err.Error(), "100")
	}

	// A rejected resubmission leaves the leaderboard untouched.
	require.Len(t, f.sink.ofType(events.TypeLeaderboardUpdated), 1)

	board, err := f.svc.Place(ctx, bidder, "fan", itemID, 150)
	require.NoError(t, err)
	// The raise replaces the prior amount rather than stacking on it.
	require.Equal(t, int64(150), board[0].Total)
	require.Equal(t, 1, board[0].Bidders)
}

func TestPlace_OtherBiddersNeedNotExceedTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.addItem(t, "Song A")
	f.openRound(t)

	_, err := f.svc.Place(ctx, uuid.New(), "first", itemID, 100)
	require.NoError(t, err)

	// The strict-raise rule is per bidder, not against the item total.
	board, err := f.svc.Place(ctx, uuid.New(), "second", itemID, 50)
	require.NoError(t, err)
	require.Equal(t, int64(150), board[0].Total)
	require.Equal(t, 2, board[0].Bidders)
}

func TestPlace_AfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.addItem(t, "Song A")
	r := f.openRound(t)

	_, err := f.rounds.Close(ctx, r.ID, f.host)
	require.NoError(t, err)

	_, err = f.svc.Place(ctx, uuid.New(), "fan", itemID, 100)
	require.ErrorIs(t, err, ErrNoActiveRound)
}

func TestPlace_ConcurrentBiddersAllLand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.addItem(t, "Song A")
	r := f.openRound(t)

	const bidders = 16
	var wg sync.WaitGroup
	errs := make(chan error, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Place(ctx, uuid.New(), "fan", itemID, 10)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bids, err := f.store.BidsForRound(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, bids, bidders)

	var total int64
	for _, b := range bids {
		total += b.Amount
	}
	require.Equal(t, int64(10*bidders), total)
}

func TestForBidder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bidder := uuid.New()

	_, err := f.svc.ForBidder(ctx, bidder)
	require.ErrorIs(t, err, ErrNoActiveRound)

	itemA := f.addItem(t, "Song A")
	itemB := f.addItem(t, "Song B")
	f.openRound(t)

	_, err = f.svc.Place(ctx, bidder, "fan", itemA, 100)
	require.NoError(t, err)
	_, err = f.svc.Place(ctx, bidder, "fan", itemB, 60)
	require.NoError(t, err)
	_, err = f.svc.Place(ctx, uuid.New(), "other", itemA, 40)
	require.NoError(t, err)

	mine, err := f.svc.ForBidder(ctx, bidder)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	for _, b := range mine {
		require.Equal(t, bidder, b.BidderID)
	}
}
