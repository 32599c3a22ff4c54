package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschnou/sunorooms/model"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

type recorder struct {
	mu       sync.Mutex
	messages []Message
	syncs    []PresenceState
}

func (r *recorder) onMessage(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) onSync(s PresenceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs = append(r.syncs, s)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) lastSync() PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.syncs) == 0 {
		return nil
	}
	return r.syncs[len(r.syncs)-1]
}

func subscribe(t *testing.T, b *Broker, room, key string) *MemoryConn {
	t.Helper()
	c := b.Connect(room, key)
	require.NoError(t, c.Subscribe(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBroker_BroadcastReachesOthersOnly(t *testing.T) {
	b := NewBroker()
	sender := subscribe(t, b, "room", "dj")
	listener := subscribe(t, b, "room", "fan")
	elsewhere := subscribe(t, b, "other-room", "x")

	var self, fan, other recorder
	sender.OnBroadcast(model.EventPlaybackPlay, self.onMessage)
	listener.OnBroadcast(model.EventPlaybackPlay, fan.onMessage)
	elsewhere.OnBroadcast(model.EventPlaybackPlay, other.onMessage)

	cmd := model.PlaybackCommand{TrackID: "a", URL: "u", StartPosition: 1, Timestamp: 2}
	require.NoError(t, sender.Send(context.Background(), model.EventPlaybackPlay, cmd))

	require.Eventually(t, func() bool { return fan.messageCount() == 1 }, waitFor, tick)

	fan.mu.Lock()
	msg := fan.messages[0]
	fan.mu.Unlock()
	assert.Equal(t, "dj", msg.From)

	var got model.PlaybackCommand
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, cmd, got)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, self.messageCount())
	assert.Equal(t, 0, other.messageCount())
}

func TestBroker_NotSubscribedNeverReceives(t *testing.T) {
	b := NewBroker()
	sender := subscribe(t, b, "room", "dj")

	late := b.Connect("room", "late")
	var rec recorder
	late.OnBroadcast(model.EventPlaybackPause, rec.onMessage)

	require.NoError(t, sender.Send(context.Background(), model.EventPlaybackPause, nil))
	require.NoError(t, late.Subscribe(context.Background()))
	defer late.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.messageCount())
}

func TestBroker_HandlersAdditiveAndOrdered(t *testing.T) {
	b := NewBroker()
	sender := subscribe(t, b, "room", "dj")
	listener := subscribe(t, b, "room", "fan")

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		listener.OnBroadcast("e", func(Message) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	require.NoError(t, sender.Send(context.Background(), "e", nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
}

func TestBroker_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := NewBroker()
	sender := subscribe(t, b, "room", "dj")
	listener := subscribe(t, b, "room", "fan")

	var kept, dropped recorder
	listener.OnBroadcast("e", kept.onMessage)
	sub := listener.OnBroadcast("e", dropped.onMessage)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, sender.Send(context.Background(), "e", nil))
	require.Eventually(t, func() bool { return kept.messageCount() == 1 }, waitFor, tick)
	assert.Equal(t, 0, dropped.messageCount())
}

func TestBroker_PresenceSyncAndImplicitLeave(t *testing.T) {
	b := NewBroker()
	dj := subscribe(t, b, "room", "dj")

	var rec recorder
	dj.OnSync(rec.onSync)

	fan := b.Connect("room", "fan")
	require.NoError(t, fan.Subscribe(context.Background()))

	require.NoError(t, dj.Track(context.Background(), model.PresenceRecord{Nickname: "DJ", IsDJ: true}))
	require.NoError(t, fan.Track(context.Background(), model.PresenceRecord{Nickname: "Fan"}))

	require.Eventually(t, func() bool { return len(rec.lastSync()) == 2 }, waitFor, tick)
	assert.Len(t, dj.PresenceState(), 2)

	require.NoError(t, fan.Close())
	require.Eventually(t, func() bool {
		s := rec.lastSync()
		_, hasFan := s["fan"]
		return len(s) == 1 && !hasFan
	}, waitFor, tick)
}

func TestBroker_TrackReplacesRecord(t *testing.T) {
	b := NewBroker()
	c := subscribe(t, b, "room", "k")

	require.NoError(t, c.Track(context.Background(), model.PresenceRecord{Nickname: "first"}))
	require.NoError(t, c.Track(context.Background(), model.PresenceRecord{Nickname: "second"}))

	state := b.Presence("room")
	require.Len(t, state["k"], 1)

	var rec model.PresenceRecord
	require.NoError(t, json.Unmarshal(state["k"][0], &rec))
	assert.Equal(t, "second", rec.Nickname)
}

func TestBroker_SameKeyTwoConnections(t *testing.T) {
	b := NewBroker()
	first := subscribe(t, b, "room", "k")
	second := subscribe(t, b, "room", "k")

	require.NoError(t, first.Track(context.Background(), model.PresenceRecord{Nickname: "tab1"}))
	require.NoError(t, second.Track(context.Background(), model.PresenceRecord{Nickname: "tab2"}))

	state := b.Presence("room")
	require.Len(t, state["k"], 2)

	var latest model.PresenceRecord
	require.NoError(t, json.Unmarshal(state["k"][1], &latest))
	assert.Equal(t, "tab2", latest.Nickname)
}

func TestBroker_TrackBeforeSubscribeFails(t *testing.T) {
	b := NewBroker()
	c := b.Connect("room", "k")
	defer c.Close()

	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Track(context.Background(), model.PresenceRecord{}), model.ErrNotConnected)
	assert.ErrorIs(t, c.Send(context.Background(), "e", nil), model.ErrNotConnected)
}

func TestBroker_HandlerMayPublish(t *testing.T) {
	b := NewBroker()
	a := subscribe(t, b, "room", "a")
	c := subscribe(t, b, "room", "c")

	var rec recorder
	a.OnBroadcast("pong", rec.onMessage)
	c.OnBroadcast("ping", func(Message) {
		_ = c.Send(context.Background(), "pong", nil)
		_ = c.Track(context.Background(), model.PresenceRecord{Nickname: "c"})
	})

	require.NoError(t, a.Send(context.Background(), "ping", nil))
	require.Eventually(t, func() bool { return rec.messageCount() == 1 }, waitFor, tick)
}

func TestBroker_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := NewBroker()
	sender := subscribe(t, b, "room", "s")
	listener := subscribe(t, b, "room", "l")

	var rec recorder
	listener.OnBroadcast("e", func(Message) { panic("boom") })
	listener.OnBroadcast("e", rec.onMessage)

	require.NoError(t, sender.Send(context.Background(), "e", nil))
	require.NoError(t, sender.Send(context.Background(), "e", nil))
	require.Eventually(t, func() bool { return rec.messageCount() == 2 }, waitFor, tick)
}
