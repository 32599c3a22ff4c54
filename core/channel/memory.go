package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/eschnou/sunorooms/model"
)

// Broker is an in-process room channel. Every connection gets its own
// ordered delivery queue.
type Broker struct {
	mu    sync.Mutex
	rooms map[string]map[*MemoryConn]struct{}
	seq   uint64
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{rooms: make(map[string]map[*MemoryConn]struct{})}
}

// Connect returns an unsubscribed connection to room under presence key.
func (b *Broker) Connect(room, key string) *MemoryConn {
	return &MemoryConn{
		broker: b,
		room:   room,
		key:    key,
		reg:    newRegistry(),
		queue:  newDeliveryQueue(),
		state:  PresenceState{},
	}
}

// Presence returns the current presence map of a room.
func (b *Broker) Presence(room string) PresenceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(room)
}

// snapshotLocked must be called with mu held.
func (b *Broker) snapshotLocked(room string) PresenceState {
	conns := make([]*MemoryConn, 0, len(b.rooms[room]))
	for c := range b.rooms[room] {
		if c.record != nil {
			conns = append(conns, c)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].trackedSeq < conns[j].trackedSeq })

	state := PresenceState{}
	for _, c := range conns {
		state[c.key] = append(state[c.key], c.record)
	}
	return state
}

// syncLocked queues the current presence map to every member of room.
func (b *Broker) syncLocked(room string) {
	state := b.snapshotLocked(room)
	for c := range b.rooms[room] {
		c.deliverSync(state.Clone())
	}
}

// MemoryConn is a connection to a Broker room.
type MemoryConn struct {
	broker *Broker
	room   string
	key    string
	reg    *registry
	queue  *deliveryQueue

	// guarded by broker.mu
	joined     bool
	record     json.RawMessage
	trackedSeq uint64

	mu        sync.RWMutex
	connected bool
	closed    bool
	state     PresenceState
}

var _ Conn = (*MemoryConn)(nil)

func (c *MemoryConn) Key() string { return c.key }

func (c *MemoryConn) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConnection, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection closed", model.ErrConnection)
	}
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	if b.rooms[c.room] == nil {
		b.rooms[c.room] = make(map[*MemoryConn]struct{})
	}
	b.rooms[c.room][c] = struct{}{}
	c.joined = true
	state := b.snapshotLocked(c.room)
	b.mu.Unlock()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.deliverSync(state)
	return nil
}

func (c *MemoryConn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MemoryConn) Track(ctx context.Context, record interface{}) error {
	data, err := marshalPayload(record)
	if err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.joined {
		return model.ErrNotConnected
	}
	b.seq++
	c.record = data
	c.trackedSeq = b.seq
	b.syncLocked(c.room)
	return nil
}

func (c *MemoryConn) Send(ctx context.Context, event string, payload interface{}) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	msg := Message{Event: event, From: c.key, Payload: data}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.joined {
		return model.ErrNotConnected
	}
	for other := range b.rooms[c.room] {
		if other != c {
			other.deliverBroadcast(msg)
		}
	}
	return nil
}

func (c *MemoryConn) OnBroadcast(event string, h BroadcastHandler) Subscription {
	return c.reg.onBroadcast(event, h)
}

func (c *MemoryConn) OnSync(h SyncHandler) Subscription {
	return c.reg.onSync(h)
}

func (c *MemoryConn) PresenceState() PresenceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Close leaves the room. Remaining members receive a sync without this
// connection's record.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	if c.joined {
		delete(b.rooms[c.room], c)
		c.joined = false
		if len(b.rooms[c.room]) == 0 {
			delete(b.rooms, c.room)
		} else {
			b.syncLocked(c.room)
		}
	}
	b.mu.Unlock()

	c.queue.close()
	return nil
}

func (c *MemoryConn) deliverSync(state PresenceState) {
	c.queue.push(func() {
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
		c.reg.dispatchSync(state)
	})
}

func (c *MemoryConn) deliverBroadcast(msg Message) {
	c.queue.push(func() { c.reg.dispatchBroadcast(msg) })
}
