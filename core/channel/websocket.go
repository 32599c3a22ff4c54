package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

// WebSocketConn is a room channel backed by the relay in core/room.
type WebSocketConn struct {
	relayURL string
	room     string
	key      string
	dialer   *websocket.Dialer

	reg   *registry
	queue *deliveryQueue

	mu        sync.RWMutex
	ws        *websocket.Conn
	send      chan []byte
	connected bool
	state     PresenceState

	acked     chan struct{}
	ackOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*WebSocketConn)(nil)

// NewWebSocketConn returns an unsubscribed connection to room on the relay
// at relayURL (ws:// or wss://, http(s) is rewritten).
func NewWebSocketConn(relayURL, room, key string) *WebSocketConn {
	return &WebSocketConn{
		relayURL: strings.TrimRight(relayURL, "/"),
		room:     room,
		key:      key,
		dialer:   websocket.DefaultDialer,
		reg:      newRegistry(),
		queue:    newDeliveryQueue(),
		state:    PresenceState{},
		send:     make(chan []byte, sendBufferSize),
		acked:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RoomURL builds the relay endpoint for room and presence key.
func RoomURL(relayURL, room, key string) string {
	base := strings.TrimRight(relayURL, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	return fmt.Sprintf("%s/ws/rooms/%s?key=%s", base, url.PathEscape(room), url.QueryEscape(key))
}

func (c *WebSocketConn) Key() string { return c.key }

func (c *WebSocketConn) Subscribe(ctx context.Context) error {
	target := RoomURL(c.relayURL, c.room, c.key)
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", model.ErrConnection, target, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	select {
	case <-c.acked:
		logger.Info("Subscribed to room",
			logger.String("room", c.room),
			logger.String("key", c.key))
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed before acknowledgement", model.ErrConnection)
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("%w: %v", model.ErrConnection, ctx.Err())
	}
}

func (c *WebSocketConn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *WebSocketConn) Track(ctx context.Context, record interface{}) error {
	data, err := marshalPayload(record)
	if err != nil {
		return err
	}
	return c.write(ctx, &Frame{Type: FramePresence, Payload: data})
}

func (c *WebSocketConn) Send(ctx context.Context, event string, payload interface{}) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, &Frame{Type: FrameBroadcast, Event: event, Payload: data})
}

func (c *WebSocketConn) write(ctx context.Context, f *Frame) error {
	if !c.IsConnected() {
		return model.ErrNotConnected
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(data), MaxFrameSize)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return model.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WebSocketConn) OnBroadcast(event string, h BroadcastHandler) Subscription {
	return c.reg.onBroadcast(event, h)
}

func (c *WebSocketConn) OnSync(h SyncHandler) Subscription {
	return c.reg.onSync(h)
}

func (c *WebSocketConn) PresenceState() PresenceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Close shuts the socket down. The relay removes this connection's presence
// record when it notices the drop.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		ws := c.ws
		c.mu.Unlock()

		close(c.done)
		c.queue.close()

		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			err = ws.Close()
		}
	})
	return err
}

func (c *WebSocketConn) readPump() {
	defer c.Close()

	ws := c.ws
	ws.SetReadLimit(MaxRelayFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("Room channel read error",
						logger.ErrorField(err),
						logger.String("room", c.room))
				}
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			logger.Warn("Invalid relay frame",
				logger.ErrorField(err),
				logger.String("room", c.room))
			continue
		}
		c.handleFrame(&f)
	}
}

func (c *WebSocketConn) handleFrame(f *Frame) {
	switch f.Type {
	case FrameSubscribed:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.ackOnce.Do(func() { close(c.acked) })

	case FrameSync:
		state := f.State
		if state == nil {
			state = PresenceState{}
		}
		c.queue.push(func() {
			c.mu.Lock()
			c.state = state
			c.mu.Unlock()
			c.reg.dispatchSync(state)
		})

	case FrameBroadcast:
		msg := f.Message()
		c.queue.push(func() { c.reg.dispatchBroadcast(msg) })

	case FrameError:
		logger.Warn("Relay reported an error",
			logger.String("room", c.room),
			logger.String("detail", string(f.Payload)))
	}
}

func (c *WebSocketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	ws := c.ws
	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
