package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	roomEventsChannel = "room:%s:events"      // Pub/Sub: broadcasts and presence notices
	roomPresenceHash  = "room:%s:presence"    // Hash: connID -> PresenceEntry JSON
	roomHeartbeatKey  = "room:%s:presence:%s" // String: heartbeat for one connection
	roomTTL           = 24 * time.Hour
)

// PresenceEntry is one connection's presence record as stored in Redis.
type PresenceEntry struct {
	Key       string          `json:"key"`
	Record    json.RawMessage `json:"record"`
	TrackedAt int64           `json:"trackedAt"` // ms since epoch, orders records sharing a key
}

// RoomCache stores room presence in Redis.
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache wraps client, falling back to RedisClient when nil.
func NewRoomCache(client *redis.Client) *RoomCache {
	if client == nil {
		client = RedisClient
	}
	return &RoomCache{client: client}
}

// EventsChannel returns the pub/sub channel name of a room.
func EventsChannel(roomID string) string {
	return fmt.Sprintf(roomEventsChannel, roomID)
}

// PresenceHash returns the presence hash key of a room.
func PresenceHash(roomID string) string {
	return fmt.Sprintf(roomPresenceHash, roomID)
}

// HeartbeatKey returns the heartbeat key of one connection.
func HeartbeatKey(roomID, connID string) string {
	return fmt.Sprintf(roomHeartbeatKey, roomID, connID)
}

// SetPresence stores entry for connID and refreshes its heartbeat.
func (c *RoomCache) SetPresence(ctx context.Context, roomID, connID string, entry PresenceEntry, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	hash := PresenceHash(roomID)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, hash, connID, data)
	pipe.Expire(ctx, hash, roomTTL)
	pipe.Set(ctx, HeartbeatKey(roomID, connID), time.Now().UnixMilli(), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// TouchPresence refreshes the heartbeat of connID.
func (c *RoomCache) TouchPresence(ctx context.Context, roomID, connID string, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, HeartbeatKey(roomID, connID), time.Now().UnixMilli(), ttl)
	pipe.Expire(ctx, PresenceHash(roomID), roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence deletes the entry and heartbeat of connID.
func (c *RoomCache) RemovePresence(ctx context.Context, roomID, connID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.HDel(ctx, PresenceHash(roomID), connID)
	pipe.Del(ctx, HeartbeatKey(roomID, connID))
	_, err := pipe.Exec(ctx)
	return err
}

// GetPresence returns every stored entry of a room keyed by connection id.
// Entries that fail to decode are skipped.
func (c *RoomCache) GetPresence(ctx context.Context, roomID string) (map[string]PresenceEntry, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	result, err := c.client.HGetAll(ctx, PresenceHash(roomID)).Result()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]PresenceEntry, len(result))
	for connID, data := range result {
		var e PresenceEntry
		if err := json.Unmarshal([]byte(data), &e); err == nil {
			entries[connID] = e
		}
	}
	return entries, nil
}

// PruneExpired removes entries whose heartbeat has expired and returns the
// removed connection ids.
func (c *RoomCache) PruneExpired(ctx context.Context, roomID string) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	hash := PresenceHash(roomID)
	connIDs, err := c.client.HKeys(ctx, hash).Result()
	if err != nil {
		return nil, err
	}
	if len(connIDs) == 0 {
		return nil, nil
	}

	expired := make([]string, 0)
	for _, connID := range connIDs {
		exists, err := c.client.Exists(ctx, HeartbeatKey(roomID, connID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			expired = append(expired, connID)
		}
	}

	if len(expired) > 0 {
		if err := c.client.HDel(ctx, hash, expired...).Err(); err != nil {
			return nil, err
		}
	}
	return expired, nil
}
