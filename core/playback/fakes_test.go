package playback

import (
	"context"
	"sync"
	"time"

	"github.com/eschnou/sunorooms/model"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fixedClock) Millis(offset time.Duration) int64 {
	return c.Now().Add(offset).UnixMilli()
}

// fakePlayer records every call. Tests fire its events by hand.
type fakePlayer struct {
	mu       sync.Mutex
	url      string
	events   PlayerEvents
	seeks    []float64
	plays    int
	pauses   int
	released bool
	current  float64
	loadErr  error
	playErr  error
}

func (p *fakePlayer) Load(url string, events PlayerEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.events = events
	return p.loadErr
}

func (p *fakePlayer) Seek(s float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, s)
	p.current = s
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	return p.playErr
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
}

func (p *fakePlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePlayer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

func (p *fakePlayer) setCurrent(s float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
}

func (p *fakePlayer) lastSeek() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.seeks) == 0 {
		return -1
	}
	return p.seeks[len(p.seeks)-1]
}

func (p *fakePlayer) ready(duration float64) { p.events.OnReady(duration) }
func (p *fakePlayer) fail(err error)         { p.events.OnError(err) }
func (p *fakePlayer) end()                   { p.events.OnEnded() }

// playerPool hands out fake players and remembers them.
type playerPool struct {
	mu      sync.Mutex
	players []*fakePlayer
	loadErr error
}

func (pp *playerPool) New() Player {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	p := &fakePlayer{loadErr: pp.loadErr}
	pp.players = append(pp.players, p)
	return p
}

func (pp *playerPool) Count() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.players)
}

func (pp *playerPool) Last() *fakePlayer {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if len(pp.players) == 0 {
		return nil
	}
	return pp.players[len(pp.players)-1]
}

type sent struct {
	event   string
	payload interface{}
}

type fakeBroadcaster struct {
	sent []sent
	err  error
}

func (b *fakeBroadcaster) Send(_ context.Context, event string, payload interface{}) error {
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, sent{event: event, payload: payload})
	return nil
}

type fakeClaims struct {
	claims []model.PlaybackClaim
}

func (c *fakeClaims) SetPlayback(_ context.Context, claim model.PlaybackClaim) error {
	c.claims = append(c.claims, claim)
	return nil
}

func (c *fakeClaims) last() model.PlaybackClaim {
	return c.claims[len(c.claims)-1]
}
