package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// WebSocketHandler handles WebSocket upgrade requests for race sessions
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleRaceConnection handles GET /ws/race?player_id=&name=. Both parameters
// are optional; a missing id is generated and a missing name gets a placeholder.
func (h *WebSocketHandler) HandleRaceConnection(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID != "" && !race.ValidPlayerID(playerID) {
		http.Error(w, "Invalid player_id", http.StatusBadRequest)
		return
	}
	id := race.NewIdentity(playerID, r.URL.Query().Get("name"))

	// The upgrader has already written an HTTP error when this fails.
	if err := h.connectionManager.UpgradeConnection(w, r, id); err != nil {
		log.Error().
			Err(err).
			Str("player_id", id.ID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"total_connections": stats["total_connections"],
		"active_rooms":      stats["active_rooms"],
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/race", h.HandleRaceConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
