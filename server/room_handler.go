package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/eschnou/sunorooms/core/presence"
	"github.com/eschnou/sunorooms/core/room"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// RoomHandler serves the relay endpoints of the room channel.
type RoomHandler struct {
	hub      *room.RoomHub
	upgrader websocket.Upgrader
}

// NewRoomHandler creates a handler on hub.
func NewRoomHandler(hub *room.RoomHub) *RoomHandler {
	return &RoomHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ParticipantsResponse lists the participants of a room.
type ParticipantsResponse struct {
	Room         string              `json:"room"`
	Connections  int                 `json:"connections"`
	Participants []model.Participant `json:"participants"`
	DJ           *model.Participant  `json:"dj,omitempty"`
}

// ParticipantsHandler returns the reduced presence of a room.
func (h *RoomHandler) ParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	participants := presence.Reduce(h.hub.Presence(slug))
	resp := ParticipantsResponse{
		Room:         slug,
		Connections:  h.hub.GetRoomClientCount(slug),
		Participants: participants,
	}
	if dj, ok := presence.FindDJ(participants); ok {
		resp.DJ = &dj
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthHandler reports liveness.
func (h *RoomHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  h.hub.RoomCount(),
	})
}

// WebSocketHandler upgrades a room subscription. The presence key comes
// from the key query parameter.
func (h *RoomHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "missing presence key", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := room.NewClient(h.hub, conn, slug, key)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(context.Background())

	logger.Info("WebSocket connected",
		logger.String("room", slug),
		logger.String("key", key),
		logger.String("remote", r.RemoteAddr))
}

// RegisterRoomRoutes registers the room routes on router.
func RegisterRoomRoutes(router *mux.Router, handler *RoomHandler) {
	router.HandleFunc("/api/health", handler.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{slug}/participants", handler.ParticipantsHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/rooms/{slug}", handler.WebSocketHandler)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", logger.ErrorField(err))
	}
}
