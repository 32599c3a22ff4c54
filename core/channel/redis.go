package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/eschnou/sunorooms/cache"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// RedisConn is a room channel over Redis pub/sub. Presence lives in a hash
// with one heartbeat key per connection; an entry whose heartbeat expires is
// pruned by the remaining members, which is how a dropped client disappears.
type RedisConn struct {
	client *redis.Client
	rooms  *cache.RoomCache
	room   string
	key    string
	id     string
	ttl    time.Duration

	reg   *registry
	queue *deliveryQueue

	// refreshes run only on the receive goroutine so syncs stay in order
	refreshReq chan struct{}

	mu        sync.RWMutex
	pubsub    *redis.PubSub
	connected bool
	tracked   bool
	state     PresenceState

	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Conn = (*RedisConn)(nil)

// NewRedisConn returns an unsubscribed connection to room. ttl is how long a
// silent connection stays in the presence map.
func NewRedisConn(client *redis.Client, room, key string, ttl time.Duration) *RedisConn {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisConn{
		client:     client,
		rooms:      cache.NewRoomCache(client),
		room:       room,
		key:        key,
		id:         uuid.NewString(),
		ttl:        ttl,
		reg:        newRegistry(),
		queue:      newDeliveryQueue(),
		refreshReq: make(chan struct{}, 1),
		state:      PresenceState{},
	}
}

func (c *RedisConn) Key() string { return c.key }

func (c *RedisConn) Subscribe(ctx context.Context) error {
	pubsub := c.client.Subscribe(ctx, cache.EventsChannel(c.room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("%w: subscribe %s: %v", model.ErrConnection, cache.EventsChannel(c.room), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.pubsub = pubsub
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.receiveLoop(loopCtx, pubsub.Channel())
	go c.heartbeatLoop(loopCtx)

	c.requestRefresh()

	logger.Info("Subscribed to room",
		logger.String("room", c.room),
		logger.String("key", c.key),
		logger.String("conn", c.id))
	return nil
}

func (c *RedisConn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *RedisConn) Track(ctx context.Context, record interface{}) error {
	if !c.IsConnected() {
		return model.ErrNotConnected
	}
	data, err := marshalPayload(record)
	if err != nil {
		return err
	}

	entry := cache.PresenceEntry{Key: c.key, Record: data, TrackedAt: time.Now().UnixMilli()}
	if err := c.rooms.SetPresence(ctx, c.room, c.id, entry, c.ttl); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}

	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()

	return c.publish(ctx, &Frame{Type: FramePresence, Key: c.key})
}

func (c *RedisConn) Send(ctx context.Context, event string, payload interface{}) error {
	if !c.IsConnected() {
		return model.ErrNotConnected
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.publish(ctx, &Frame{Type: FrameBroadcast, Key: c.key, Event: event, Payload: data})
}

func (c *RedisConn) publish(ctx context.Context, f *Frame) error {
	f.Room = c.room
	f.Origin = c.id
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, cache.EventsChannel(c.room), data).Err()
}

func (c *RedisConn) OnBroadcast(event string, h BroadcastHandler) Subscription {
	return c.reg.onBroadcast(event, h)
}

func (c *RedisConn) OnSync(h SyncHandler) Subscription {
	return c.reg.onSync(h)
}

func (c *RedisConn) PresenceState() PresenceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Close removes this connection's presence entry and tells the room.
func (c *RedisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		pubsub := c.pubsub
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.queue.close()

		if pubsub == nil {
			return
		}

		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()

		if rmErr := c.rooms.RemovePresence(ctx, c.room, c.id); rmErr != nil {
			logger.Warn("Failed to remove presence on close",
				logger.ErrorField(rmErr),
				logger.String("room", c.room))
		}
		if pubErr := c.publish(ctx, &Frame{Type: FramePresence, Key: c.key}); pubErr != nil {
			logger.Warn("Failed to announce leave",
				logger.ErrorField(pubErr),
				logger.String("room", c.room))
		}
		err = pubsub.Close()
	})
	return err
}

func (c *RedisConn) receiveLoop(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.refreshReq:
			c.refreshLogged(ctx)
		case m, ok := <-ch:
			if !ok {
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				return
			}

			var f Frame
			if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
				logger.Warn("Invalid room event",
					logger.ErrorField(err),
					logger.String("channel", m.Channel))
				continue
			}

			switch f.Type {
			case FrameBroadcast:
				if f.Origin == c.id {
					continue
				}
				msg := f.Message()
				c.queue.push(func() { c.reg.dispatchBroadcast(msg) })
			case FramePresence:
				c.refreshLogged(ctx)
			}
		}
	}
}

// heartbeatLoop keeps this connection's entry alive and prunes members whose
// heartbeat expired.
func (c *RedisConn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			tracked := c.tracked
			c.mu.RUnlock()

			if tracked {
				if err := c.rooms.TouchPresence(ctx, c.room, c.id, c.ttl); err != nil {
					logger.Warn("Failed to refresh heartbeat",
						logger.ErrorField(err),
						logger.String("room", c.room))
				}
			}

			removed, err := c.rooms.PruneExpired(ctx, c.room)
			if err != nil {
				logger.Warn("Failed to prune presence",
					logger.ErrorField(err),
					logger.String("room", c.room))
				continue
			}
			if len(removed) > 0 {
				logger.Debug("Pruned expired presence",
					logger.String("room", c.room),
					logger.Int("count", len(removed)))
				if err := c.publish(ctx, &Frame{Type: FramePresence}); err != nil {
					logger.Warn("Failed to announce pruned presence",
						logger.ErrorField(err),
						logger.String("room", c.room))
				}
			}
		}
	}
}

// requestRefresh asks the receive goroutine to reload presence. Requests
// made while one is pending collapse into it.
func (c *RedisConn) requestRefresh() {
	select {
	case c.refreshReq <- struct{}{}:
	default:
	}
}

func (c *RedisConn) refreshLogged(ctx context.Context) {
	if err := c.refresh(ctx); err != nil {
		logger.Warn("Failed to refresh room presence",
			logger.ErrorField(err),
			logger.String("room", c.room))
	}
}

// refresh reloads the presence hash and queues a sync. It must only run on
// the receive goroutine.
func (c *RedisConn) refresh(ctx context.Context) error {
	entries, err := c.rooms.GetPresence(ctx, c.room)
	if err != nil {
		return err
	}
	state := buildPresenceState(entries)
	c.queue.push(func() {
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
		c.reg.dispatchSync(state)
	})
	return nil
}

// buildPresenceState groups entries by presence key, oldest first.
func buildPresenceState(entries map[string]cache.PresenceEntry) PresenceState {
	type item struct {
		connID string
		entry  cache.PresenceEntry
	}
	items := make([]item, 0, len(entries))
	for id, e := range entries {
		items = append(items, item{connID: id, entry: e})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].entry.TrackedAt != items[j].entry.TrackedAt {
			return items[i].entry.TrackedAt < items[j].entry.TrackedAt
		}
		return items[i].connID < items[j].connID
	})

	state := PresenceState{}
	for _, it := range items {
		state[it.entry.Key] = append(state[it.entry.Key], it.entry.Record)
	}
	return state
}
