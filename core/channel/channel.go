// Package channel implements the room channel: a named publish/subscribe
// topic with a replicated presence map and fire-and-forget broadcasts.
//
// Three transports share the Conn contract: an in-process Broker, a client
// for the WebSocket relay in core/room, and Redis pub/sub.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
)

// PresenceState is the raw replicated presence map: presence key to the
// records published under it, oldest first.
type PresenceState map[string][]json.RawMessage

// Clone returns a deep copy of the map.
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, recs := range s {
		cp := make([]json.RawMessage, len(recs))
		copy(cp, recs)
		out[k] = cp
	}
	return out
}

// Message is a received broadcast.
type Message struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"` // sender presence key
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// BroadcastHandler handles one broadcast event.
type BroadcastHandler func(Message)

// SyncHandler receives the full presence map after every change.
type SyncHandler func(PresenceState)

// Subscription removes a registered handler.
type Subscription interface {
	Unsubscribe()
}

// Conn is one client's subscription to a room.
//
// Handlers run on a single delivery goroutine per connection, in
// registration order. They may call back into the Conn.
type Conn interface {
	// Key is the presence key this connection publishes under.
	Key() string
	// Subscribe blocks until the transport acknowledges the subscription.
	Subscribe(ctx context.Context) error
	IsConnected() bool
	// Track replaces this connection's presence record.
	Track(ctx context.Context, record interface{}) error
	// Send broadcasts to every other subscriber of the room.
	Send(ctx context.Context, event string, payload interface{}) error
	OnBroadcast(event string, h BroadcastHandler) Subscription
	OnSync(h SyncHandler) Subscription
	// PresenceState returns the last presence map delivered to this connection.
	PresenceState() PresenceState
	Close() error
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}
