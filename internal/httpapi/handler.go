// Package httpapi is the REST surface over the round engine: round
// lifecycle for hosts, bid submission for bidders, and the pull-style
// queries backing clients that missed a broadcast.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/bid"
	"github.com/stagebid/stagebid/internal/catalog"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/models"
	"github.com/stagebid/stagebid/internal/round"
)

const refundHistoryLimit = 50

type Handler struct {
	rounds  *round.Service
	bids    *bid.Service
	catalog catalog.Repository
	store   ledger.Store
}

func NewHandler(rounds *round.Service, bids *bid.Service, cat catalog.Repository, store ledger.Store) *Handler {
	return &Handler{rounds: rounds, bids: bids, catalog: cat, store: store}
}

// RegisterRoutes attaches every API route to the mux. The websocket
// endpoint is registered separately by the gateway.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	api := func(fn http.HandlerFunc) http.Handler { return WithIdentity(fn) }

	mux.Handle("POST /api/rounds/start", api(h.startRound))
	mux.Handle("POST /api/rounds/{id}/end", api(h.endRound))
	mux.Handle("GET /api/rounds/active", api(h.activeRound))
	mux.Handle("GET /api/rounds/history", api(h.roundHistory))
	mux.Handle("POST /api/bids", api(h.placeBid))
	mux.Handle("GET /api/bids/my", api(h.myBids))
	mux.Handle("GET /api/refunds/my", api(h.myRefunds))
	mux.Handle("POST /api/items", api(h.createItem))
	mux.Handle("GET /api/items", api(h.listItems))
	mux.Handle("DELETE /api/items/{id}", api(h.deleteItem))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

type startRoundRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

func (h *Handler) startRound(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	if ident.Role != RoleHost {
		writeError(w, http.StatusForbidden, "only a host can start a round")
		return
	}
	var req startRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rnd, board, err := h.rounds.Open(r.Context(), ident.UserID, ident.Name, req.DurationSeconds)
	if err != nil {
		if errors.Is(err, round.ErrNoItems) {
			writeError(w, http.StatusBadRequest, "add at least one item before starting a round")
			return
		}
		h.internalError(w, err, "failed to start round")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"round":       rnd,
		"leaderboard": board,
	})
}

func (h *Handler) endRound(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	if ident.Role != RoleHost {
		writeError(w, http.StatusForbidden, "only a host can end a round")
		return
	}
	roundID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round id")
		return
	}

	result, err := h.rounds.Close(r.Context(), roundID, ident.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrRoundNotFound):
			writeError(w, http.StatusNotFound, "round not found")
		case errors.Is(err, round.ErrNotRoundHost):
			writeError(w, http.StatusForbidden, "round belongs to another host")
		default:
			h.internalError(w, err, "failed to end round")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) activeRound(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rounds.Snapshot(r.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveRound) {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		h.internalError(w, err, "failed to load active round")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":      true,
		"round":       snap.Round,
		"leaderboard": snap.Leaderboard,
		"server_time": snap.ServerTime,
	})
}

func (h *Handler) roundHistory(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	if ident.Role != RoleHost {
		writeError(w, http.StatusForbidden, "only a host has round history")
		return
	}
	results, err := h.rounds.History(r.Context(), ident.UserID)
	if err != nil {
		h.internalError(w, err, "failed to load round history")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type placeBidRequest struct {
	ItemID uuid.UUID `json:"item_id"`
	Amount int64     `json:"amount"`
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	board, err := h.bids.Place(r.Context(), ident.UserID, ident.Name, req.ItemID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, bid.ErrNoActiveRound):
			writeError(w, http.StatusBadRequest, "no active bidding round right now")
		case errors.Is(err, bid.ErrRoundExpired):
			writeError(w, http.StatusBadRequest, "bidding round has ended")
		case errors.Is(err, bid.ErrItemNotInRound):
			writeError(w, http.StatusNotFound, "item not found in current round")
		case errors.Is(err, bid.ErrBidTooLow):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bid.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "bid amount must be positive")
		default:
			h.internalError(w, err, "failed to place bid")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": board})
}

func (h *Handler) myBids(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	bids, err := h.bids.ForBidder(r.Context(), ident.UserID)
	if err != nil {
		if errors.Is(err, bid.ErrNoActiveRound) {
			writeJSON(w, http.StatusOK, []models.Bid{})
			return
		}
		h.internalError(w, err, "failed to load bids")
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (h *Handler) myRefunds(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	refunds, err := h.store.RefundsForBidder(r.Context(), ident.UserID, refundHistoryLimit)
	if err != nil {
		h.internalError(w, err, "failed to load refunds")
		return
	}
	var total int64
	for _, rf := range refunds {
		total += rf.Amount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refunds":        refunds,
		"total_refunded": total,
	})
}

type createItemRequest struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	if ident.Role != RoleHost {
		writeError(w, http.StatusForbidden, "only a host can manage items")
		return
	}
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "item title is required")
		return
	}

	item := &models.Item{
		ID:        uuid.New(),
		HostID:    ident.UserID,
		Title:     req.Title,
		Artist:    req.Artist,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.catalog.CreateItem(r.Context(), item); err != nil {
		h.internalError(w, err, "failed to create item")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	items, err := h.catalog.ItemsForHost(r.Context(), ident.UserID)
	if err != nil {
		h.internalError(w, err, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	if ident.Role != RoleHost {
		writeError(w, http.StatusForbidden, "only a host can manage items")
		return
	}
	itemID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	// Items stay frozen while the host's round is live; deleting one
	// mid-round would orphan its bids.
	if active, err := h.store.ActiveRound(r.Context()); err == nil && active.HostID == ident.UserID {
		writeError(w, http.StatusConflict, "cannot remove items during an active round")
		return
	}

	if err := h.catalog.DeleteItem(r.Context(), itemID, ident.UserID); err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		h.internalError(w, err, "failed to delete item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": itemID})
}

func (h *Handler) internalError(w http.ResponseWriter, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, msg)
}
