package leaderboard

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stagebid/stagebid/internal/models"
)

func item(id uuid.UUID, title string) models.Item {
	return models.Item{ID: id, Title: title, Artist: "artist"}
}

func bid(itemID, bidderID uuid.UUID, amount int64) models.Bid {
	return models.Bid{ID: uuid.New(), ItemID: itemID, BidderID: bidderID, Amount: amount}
}

func TestCompute_EmptyBidsListsAllItemsZeroed(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	board := Compute([]models.Item{item(a, "A"), item(b, "B")}, nil)

	require.Len(t, board, 2)
	for _, e := range board {
		require.Zero(t, e.Total)
		require.Zero(t, e.Bidders)
	}
	require.Nil(t, board.Winner())
}

func TestCompute_TotalsAndDistinctBidders(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	x, y := uuid.New(), uuid.New()

	// X bids 100 on A then rebids 200 (upsert leaves one record);
	// Y bids 150 on B.
	board := Compute(
		[]models.Item{item(a, "A"), item(b, "B")},
		[]models.Bid{bid(a, x, 200), bid(b, y, 150)},
	)

	require.Len(t, board, 2)
	require.Equal(t, a, board[0].ItemID)
	require.Equal(t, int64(200), board[0].Total)
	require.Equal(t, 1, board[0].Bidders)
	require.Equal(t, b, board[1].ItemID)
	require.Equal(t, int64(150), board[1].Total)
	require.Equal(t, 1, board[1].Bidders)

	winner := board.Winner()
	require.NotNil(t, winner)
	require.Equal(t, a, winner.ItemID)
}

func TestCompute_SumsAcrossBidders(t *testing.T) {
	a := uuid.New()
	board := Compute(
		[]models.Item{item(a, "A")},
		[]models.Bid{
			bid(a, uuid.New(), 100),
			bid(a, uuid.New(), 50),
			bid(a, uuid.New(), 25),
		},
	)

	require.Equal(t, int64(175), board[0].Total)
	require.Equal(t, 3, board[0].Bidders)
}

func TestCompute_TieBreaksByItemID(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	lo, hi := a, b
	if b.String() < a.String() {
		lo, hi = b, a
	}

	board := Compute(
		[]models.Item{item(a, "A"), item(b, "B")},
		[]models.Bid{bid(a, uuid.New(), 100), bid(b, uuid.New(), 100)},
	)

	require.Equal(t, lo, board[0].ItemID)
	require.Equal(t, hi, board[1].ItemID)

	winner := board.Winner()
	require.NotNil(t, winner)
	require.Equal(t, lo, winner.ItemID)
}

func TestCompute_IgnoresBidsOnUnknownItems(t *testing.T) {
	a := uuid.New()
	board := Compute(
		[]models.Item{item(a, "A")},
		[]models.Bid{bid(uuid.New(), uuid.New(), 500), bid(a, uuid.New(), 10)},
	)

	require.Len(t, board, 1)
	require.Equal(t, int64(10), board[0].Total)
}

func TestWinner_NilWhenNoBids(t *testing.T) {
	require.Nil(t, Leaderboard{}.Winner())

	board := Compute([]models.Item{item(uuid.New(), "A")}, nil)
	require.Nil(t, board.Winner())
}
