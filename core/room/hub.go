package room

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eschnou/sunorooms/core/channel"
	"github.com/eschnou/sunorooms/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 1024
)

// Client is one WebSocket subscriber of a room.
type Client struct {
	Hub    *RoomHub
	Conn   *websocket.Conn
	Send   chan []byte
	RoomID string
	Key    string // presence key
	ID     string // connection id

	// guarded by Hub.mu
	record     json.RawMessage
	trackedSeq uint64
}

// NewClient returns a client ready to be registered.
func NewClient(hub *RoomHub, conn *websocket.Conn, roomID, key string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		RoomID: roomID,
		Key:    key,
		ID:     uuid.NewString(),
	}
}

// RoomHub relays presence and broadcasts between the clients of each room.
// All membership changes and fan-out run on the Run goroutine.
type RoomHub struct {
	// room -> clients
	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	presence   chan *presenceUpdate
	broadcast  chan *BroadcastMessage

	mu  sync.RWMutex
	seq uint64

	done chan struct{}
}

// BroadcastMessage is a frame to fan out to a room.
type BroadcastMessage struct {
	RoomID  string
	Message []byte
	Exclude *Client // sender, never echoed back
}

type presenceUpdate struct {
	client *Client
	record json.RawMessage
}

// NewRoomHub creates a hub. Call Run to start it.
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		presence:   make(chan *presenceUpdate, 64),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub main loop.
func (h *RoomHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case u := <-h.presence:
			h.updatePresence(u)

		case msg := <-h.broadcast:
			h.broadcastToRoom(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop stops the hub and closes every client.
func (h *RoomHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *RoomHub) registerClient(client *Client) {
	h.mu.Lock()
	if h.rooms[client.RoomID] == nil {
		h.rooms[client.RoomID] = make(map[*Client]bool)
	}
	h.rooms[client.RoomID][client] = true
	state := h.snapshotLocked(client.RoomID)
	h.mu.Unlock()

	h.sendFrame(client, &channel.Frame{Type: channel.FrameSubscribed, Room: client.RoomID, Key: client.Key})
	h.sendFrame(client, &channel.Frame{Type: channel.FrameSync, Room: client.RoomID, State: state})

	logger.Info("Client registered",
		logger.String("room", client.RoomID),
		logger.String("key", client.Key),
		logger.String("conn", client.ID))
}

func (h *RoomHub) unregisterClient(client *Client) {
	h.mu.Lock()
	removed, hadRecord := h.removeClient(client)
	h.mu.Unlock()

	if removed && hadRecord {
		h.syncRoom(client.RoomID)
	}
}

// removeClient must be called with mu held.
func (h *RoomHub) removeClient(client *Client) (removed, hadRecord bool) {
	roomID := client.RoomID
	clients, ok := h.rooms[roomID]
	if !ok {
		return false, false
	}
	if _, ok := clients[client]; !ok {
		return false, false
	}

	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.rooms, roomID)
	}

	logger.Info("Client unregistered",
		logger.String("room", roomID),
		logger.String("key", client.Key),
		logger.String("conn", client.ID))
	return true, client.record != nil
}

func (h *RoomHub) updatePresence(u *presenceUpdate) {
	h.mu.Lock()
	if !h.rooms[u.client.RoomID][u.client] {
		h.mu.Unlock()
		return
	}
	h.seq++
	u.client.record = u.record
	u.client.trackedSeq = h.seq
	h.mu.Unlock()

	h.syncRoom(u.client.RoomID)
}

// syncRoom sends the full presence map to every client of the room.
func (h *RoomHub) syncRoom(roomID string) {
	h.mu.RLock()
	state := h.snapshotLocked(roomID)
	h.mu.RUnlock()

	f := &channel.Frame{Type: channel.FrameSync, Room: roomID, State: state}
	data, err := f.Encode()
	if err != nil {
		logger.Error("Failed to encode sync", logger.ErrorField(err))
		return
	}
	h.broadcastToRoom(&BroadcastMessage{RoomID: roomID, Message: data})
}

// snapshotLocked must be called with mu held.
func (h *RoomHub) snapshotLocked(roomID string) channel.PresenceState {
	clients := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c.record != nil {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].trackedSeq < clients[j].trackedSeq })

	state := channel.PresenceState{}
	for _, c := range clients {
		state[c.Key] = append(state[c.Key], c.record)
	}
	return state
}

func (h *RoomHub) broadcastToRoom(msg *BroadcastMessage) {
	h.mu.RLock()
	clients, ok := h.rooms[msg.RoomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clientList {
		if client == msg.Exclude {
			continue
		}
		select {
		case client.Send <- msg.Message:
		default:
			slow = append(slow, client)
		}
	}

	// Clients that cannot keep up are dropped; their presence goes with them.
	for _, client := range slow {
		logger.Warn("Send buffer full, dropping client",
			logger.String("room", client.RoomID),
			logger.String("conn", client.ID))
		h.unregisterClient(client)
	}
}

func (h *RoomHub) sendFrame(client *Client, f *channel.Frame) {
	data, err := f.Encode()
	if err != nil {
		logger.Error("Failed to encode frame", logger.ErrorField(err))
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *RoomHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			close(client.Send)
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// Register adds a client to its room.
func (h *RoomHub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from its room.
func (h *RoomHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Presence returns the presence map of a room.
func (h *RoomHub) Presence(roomID string) channel.PresenceState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked(roomID)
}

// GetRoomClientCount returns the number of connections in a room.
func (h *RoomHub) GetRoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomCount returns the number of rooms with at least one connection.
func (h *RoomHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ========== Client ==========

// ReadPump reads frames from the socket until it fails or ctx ends.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(channel.MaxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error",
					logger.ErrorField(err),
					logger.String("room", c.RoomID),
					logger.String("conn", c.ID))
			}
			return
		}

		var f channel.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			logger.Warn("Invalid frame",
				logger.ErrorField(err),
				logger.String("room", c.RoomID))
			continue
		}
		c.handleFrame(&f)
	}
}

func (c *Client) handleFrame(f *channel.Frame) {
	h := c.Hub
	switch f.Type {
	case channel.FramePresence:
		if len(f.Payload) == 0 {
			return
		}
		select {
		case h.presence <- &presenceUpdate{client: c, record: f.Payload}:
		case <-h.done:
		}

	case channel.FrameBroadcast:
		out := &channel.Frame{
			Type:    channel.FrameBroadcast,
			Room:    c.RoomID,
			Key:     c.Key,
			Event:   f.Event,
			Payload: f.Payload,
		}
		data, err := out.Encode()
		if err != nil {
			return
		}
		select {
		case h.broadcast <- &BroadcastMessage{RoomID: c.RoomID, Message: data, Exclude: c}:
		case <-h.done:
		}

	default:
		logger.Debug("Ignoring frame",
			logger.String("type", string(f.Type)),
			logger.String("room", c.RoomID))
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one frame per message keeps every message within the
			// client's read limit
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
