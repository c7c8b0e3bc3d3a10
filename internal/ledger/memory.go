package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/catalog"
	"github.com/stagebid/stagebid/internal/models"
)

type bidKey struct {
	itemID   uuid.UUID
	bidderID uuid.UUID
}

// Memory is an in-process ledger and catalog backed by maps. It is the
// store for tests and single-node local runs; the concurrency contract
// matches the Postgres ledger (every call is atomic).
type Memory struct {
	mu      sync.RWMutex
	rounds  map[uuid.UUID]*models.Round
	bids    map[uuid.UUID]map[bidKey]*models.Bid
	refunds []models.Refund
	items   map[uuid.UUID]*models.Item
}

var (
	_ Store              = (*Memory)(nil)
	_ catalog.Repository = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		rounds: make(map[uuid.UUID]*models.Round),
		bids:   make(map[uuid.UUID]map[bidKey]*models.Bid),
		items:  make(map[uuid.UUID]*models.Item),
	}
}

func (m *Memory) CreateRound(ctx context.Context, round *models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *round
	m.rounds[r.ID] = &r
	return nil
}

func (m *Memory) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	out := *r
	return &out, nil
}

func (m *Memory) ActiveRound(ctx context.Context) (*models.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Round
	for _, r := range m.rounds {
		if r.Status != models.RoundStatusActive {
			continue
		}
		if latest == nil || r.StartTime.After(latest.StartTime) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNoActiveRound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) SupersedeActiveRounds(ctx context.Context, hostID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []uuid.UUID
	for _, r := range m.rounds {
		if r.HostID == hostID && r.Status == models.RoundStatusActive {
			r.Status = models.RoundStatusClosed
			closed = append(closed, r.ID)
		}
	}
	return closed, nil
}

func (m *Memory) CloseRound(ctx context.Context, id uuid.UUID, winnerItemID *uuid.UUID, refunds []models.Refund) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return false, ErrRoundNotFound
	}
	if r.Status != models.RoundStatusActive {
		return false, nil
	}
	r.Status = models.RoundStatusClosed
	r.WinnerItemID = winnerItemID
	m.refunds = append(m.refunds, refunds...)
	return true, nil
}

func (m *Memory) RoundHistory(ctx context.Context, hostID uuid.UUID, limit int) ([]models.RoundResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var closed []*models.Round
	for _, r := range m.rounds {
		if r.HostID == hostID && r.Status == models.RoundStatusClosed {
			closed = append(closed, r)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].StartTime.After(closed[j].StartTime)
	})
	if limit > 0 && len(closed) > limit {
		closed = closed[:limit]
	}

	results := make([]models.RoundResult, 0, len(closed))
	for _, r := range closed {
		res := models.RoundResult{Round: *r}
		if r.WinnerItemID != nil {
			if it, ok := m.items[*r.WinnerItemID]; ok {
				title, artist := it.Title, it.Artist
				res.WinnerTitle = &title
				res.WinnerArtist = &artist
			}
			for key, b := range m.bids[r.ID] {
				if key.itemID == *r.WinnerItemID {
					res.WinningAmount += b.Amount
				}
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *Memory) GetBid(ctx context.Context, roundID, itemID, bidderID uuid.UUID) (*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[roundID][bidKey{itemID, bidderID}]
	if !ok {
		return nil, ErrBidNotFound
	}
	out := *b
	return &out, nil
}

func (m *Memory) UpsertBid(ctx context.Context, bid *models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bidKey{bid.ItemID, bid.BidderID}
	byRound := m.bids[bid.RoundID]
	if byRound == nil {
		byRound = make(map[bidKey]*models.Bid)
		m.bids[bid.RoundID] = byRound
	}
	if existing, ok := byRound[key]; ok {
		existing.Amount = bid.Amount
		existing.UpdatedAt = bid.UpdatedAt
		bid.ID = existing.ID
		bid.CreatedAt = existing.CreatedAt
		return nil
	}
	b := *bid
	byRound[key] = &b
	return nil
}

func (m *Memory) BidsForRound(ctx context.Context, roundID uuid.UUID) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byRound := m.bids[roundID]
	out := make([]models.Bid, 0, len(byRound))
	for _, b := range byRound {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) BidsForBidder(ctx context.Context, roundID, bidderID uuid.UUID) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Bid
	for key, b := range m.bids[roundID] {
		if key.bidderID == bidderID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RefundsForBidder(ctx context.Context, bidderID uuid.UUID, limit int) ([]models.RefundDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RefundDetail
	for i := len(m.refunds) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		r := m.refunds[i]
		if r.BidderID != bidderID {
			continue
		}
		detail := models.RefundDetail{Refund: r}
		if it, ok := m.items[r.ItemID]; ok {
			detail.ItemTitle = it.Title
			detail.ItemArtist = it.Artist
		}
		out = append(out, detail)
	}
	return out, nil
}

// Catalog side.

func (m *Memory) CreateItem(ctx context.Context, item *models.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := *item
	m.items[it.ID] = &it
	return nil
}

func (m *Memory) GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, catalog.ErrItemNotFound
	}
	out := *it
	return &out, nil
}

func (m *Memory) ItemsForHost(ctx context.Context, hostID uuid.UUID) ([]models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Item
	for _, it := range m.items {
		if it.HostID == hostID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) DeleteItem(ctx context.Context, id, hostID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.HostID != hostID {
		return catalog.ErrItemNotFound
	}
	delete(m.items, id)
	return nil
}
