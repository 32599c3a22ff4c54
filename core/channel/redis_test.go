package channel

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschnou/sunorooms/cache"
	"github.com/eschnou/sunorooms/model"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisConn_PresenceAndBroadcast(t *testing.T) {
	client := redisClient(t)
	room := "test-" + uuid.NewString()
	ctx := context.Background()

	dj := NewRedisConn(client, room, "dj", 3*time.Second)
	fan := NewRedisConn(client, room, "fan", 3*time.Second)

	var djSyncs recorder
	var fanMsgs, djMsgs recorder
	dj.OnSync(djSyncs.onSync)
	dj.OnBroadcast(model.EventPlaybackPause, djMsgs.onMessage)
	fan.OnBroadcast(model.EventPlaybackPause, fanMsgs.onMessage)

	require.NoError(t, dj.Subscribe(ctx))
	require.NoError(t, fan.Subscribe(ctx))
	defer dj.Close()

	require.NoError(t, dj.Track(ctx, model.PresenceRecord{Nickname: "DJ", IsDJ: true}))
	require.NoError(t, fan.Track(ctx, model.PresenceRecord{Nickname: "Fan"}))
	require.Eventually(t, func() bool { return len(djSyncs.lastSync()) == 2 }, 3*time.Second, tick)

	require.NoError(t, dj.Send(ctx, model.EventPlaybackPause, nil))
	require.Eventually(t, func() bool { return fanMsgs.messageCount() == 1 }, 3*time.Second, tick)
	assert.Equal(t, 0, djMsgs.messageCount())

	require.NoError(t, fan.Close())
	require.Eventually(t, func() bool { return len(djSyncs.lastSync()) == 1 }, 3*time.Second, tick)
}

func TestRedisConn_ExpiredHeartbeatIsPruned(t *testing.T) {
	client := redisClient(t)
	room := "test-" + uuid.NewString()
	ctx := context.Background()

	// A ghost entry with no heartbeat, as left behind by a crashed client.
	rooms := cache.NewRoomCache(client)
	require.NoError(t, rooms.SetPresence(ctx, room, "ghost-conn", cache.PresenceEntry{
		Key: "ghost", Record: []byte(`{"nickname":"ghost"}`), TrackedAt: 1,
	}, time.Millisecond))

	watcher := NewRedisConn(client, room, "watcher", 900*time.Millisecond)
	var rec recorder
	watcher.OnSync(rec.onSync)
	require.NoError(t, watcher.Subscribe(ctx))
	defer watcher.Close()
	require.NoError(t, watcher.Track(ctx, model.PresenceRecord{Nickname: "w"}))

	require.Eventually(t, func() bool {
		s := rec.lastSync()
		_, ghost := s["ghost"]
		return len(s) == 1 && !ghost
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBuildPresenceState_OrdersByTrackedAt(t *testing.T) {
	state := buildPresenceState(map[string]cache.PresenceEntry{
		"c2": {Key: "k", Record: []byte(`"second"`), TrackedAt: 20},
		"c1": {Key: "k", Record: []byte(`"first"`), TrackedAt: 10},
		"c3": {Key: "other", Record: []byte(`"x"`), TrackedAt: 5},
	})

	require.Len(t, state["k"], 2)
	assert.Equal(t, `"first"`, string(state["k"][0]))
	assert.Equal(t, `"second"`, string(state["k"][1]))
	assert.Len(t, state["other"], 1)
}

func TestRedisConn_RefreshRequestsCollapse(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	c := NewRedisConn(client, "room", "k", time.Second)
	defer c.queue.close()

	c.requestRefresh()
	c.requestRefresh()
	c.requestRefresh()

	assert.Len(t, c.refreshReq, 1)
}

func TestRedisConn_SubscribeDuringChurnEndsOnCurrentState(t *testing.T) {
	client := redisClient(t)
	room := "test-" + uuid.NewString()
	ctx := context.Background()

	const members = 5
	conns := make([]*RedisConn, members)
	for i := range conns {
		conns[i] = NewRedisConn(client, room, fmt.Sprintf("member-%d", i), 3*time.Second)
		require.NoError(t, conns[i].Subscribe(ctx))
		defer conns[i].Close()
	}

	watcher := NewRedisConn(client, room, "watcher", 3*time.Second)
	var rec recorder
	watcher.OnSync(rec.onSync)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, c := range conns {
			_ = c.Track(ctx, model.PresenceRecord{Nickname: fmt.Sprintf("m%d", i)})
		}
	}()
	require.NoError(t, watcher.Subscribe(ctx))
	defer watcher.Close()
	<-done

	require.Eventually(t, func() bool { return len(rec.lastSync()) == members }, 3*time.Second, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.lastSync(), members)
	assert.Len(t, watcher.PresenceState(), members)
}
