package channel

import (
	"encoding/json"
	"time"
)

// FrameType is the type of a relay WebSocket frame.
type FrameType string

const (
	FrameSubscribed FrameType = "subscribed" // server -> client: subscription acknowledged
	FramePresence   FrameType = "presence"   // client -> server: replace own presence record
	FrameSync       FrameType = "sync"       // server -> client: full presence map
	FrameBroadcast  FrameType = "broadcast"  // both ways: event for the other members
	FrameError      FrameType = "error"
)

const (
	// MaxFrameSize is the largest frame a client may send to the relay.
	MaxFrameSize = 64 * 1024
	// MaxRelayFrameSize is the largest frame a client accepts from the
	// relay. Relayed broadcasts add an envelope and syncs carry every
	// record of the room.
	MaxRelayFrameSize = 1 << 20
)

// Frame is the relay wire format. Every WebSocket message carries exactly
// one JSON frame.
type Frame struct {
	Type      FrameType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	Key       string          `json:"key,omitempty"`
	Origin    string          `json:"origin,omitempty"` // sending connection id
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     PresenceState   `json:"state,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Encode stamps and marshals the frame.
func (f *Frame) Encode() ([]byte, error) {
	f.Timestamp = time.Now().UnixMilli()
	return json.Marshal(f)
}

// Message converts a broadcast frame into a Message.
func (f *Frame) Message() Message {
	return Message{Event: f.Event, From: f.Key, Payload: f.Payload}
}
