package gateway

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler exposes the gateway over HTTP. Identity is resolved
// upstream (identity collaborator); it reaches us as headers, with query
// parameters as a fallback for browser websocket clients that cannot
// set headers.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.Header.Get("X-User-Id")
	if userIDStr == "" {
		userIDStr = r.URL.Query().Get("user_id")
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		http.Error(w, "valid user_id is required", http.StatusBadRequest)
		return
	}

	role := r.Header.Get("X-User-Role")
	if role == "" {
		role = r.URL.Query().Get("role")
	}
	if role == "" {
		role = "bidder"
	}

	if err := h.connectionManager.Upgrade(w, r, userID, role); err != nil {
		log.Error().Err(err).
			Str("user_id", userID.String()).
			Msg("failed to upgrade websocket connection")
		return
	}
}

func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"connections":%d}`, h.connectionManager.ConnectionCount())
}

// RegisterRoutes attaches the gateway endpoints to the mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleStats)
}
