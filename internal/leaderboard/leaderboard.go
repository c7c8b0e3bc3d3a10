// Package leaderboard derives per-item bid totals for a round. It is a
// pure function of the catalog and bid sets, so the same leaderboard can
// be reproduced from the ledger alone after a restart.
package leaderboard

import (
	"sort"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/models"
)

// Entry is one item's aggregate standing within a round.
type Entry struct {
	ItemID  uuid.UUID `json:"item_id"`
	Title   string    `json:"title"`
	Artist  string    `json:"artist"`
	Total   int64     `json:"total"`
	Bidders int       `json:"bidders"` // distinct bidder count
}

// Leaderboard is the ordered standings for a round: total descending,
// then item id ascending. The order is deterministic so that the close
// path and every broadcast agree on tie-breaks.
type Leaderboard []Entry

// Compute aggregates bids over the host's full catalog. Items with no
// bids appear with zeroed totals, matching what clients render.
func Compute(items []models.Item, bids []models.Bid) Leaderboard {
	entries := make(Leaderboard, 0, len(items))
	index := make(map[uuid.UUID]int, len(items))
	for _, it := range items {
		index[it.ID] = len(entries)
		entries = append(entries, Entry{ItemID: it.ID, Title: it.Title, Artist: it.Artist})
	}

	bidders := make(map[uuid.UUID]map[uuid.UUID]struct{})
	for _, b := range bids {
		i, ok := index[b.ItemID]
		if !ok {
			// Bid on an item no longer in the catalog; it still counts
			// toward refunds but has no leaderboard row to show.
			continue
		}
		entries[i].Total += b.Amount
		set := bidders[b.ItemID]
		if set == nil {
			set = make(map[uuid.UUID]struct{})
			bidders[b.ItemID] = set
		}
		set[b.BidderID] = struct{}{}
	}
	for id, set := range bidders {
		entries[index[id]].Bidders = len(set)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].ItemID.String() < entries[j].ItemID.String()
	})
	return entries
}

// Winner returns the leading entry, or nil when no item has any bid.
// Because amounts are strictly positive and the board is ordered, the
// head of the board carries the highest total among bid-on items.
func (l Leaderboard) Winner() *Entry {
	if len(l) == 0 || l[0].Bidders == 0 {
		return nil
	}
	e := l[0]
	return &e
}
