package session

import (
	"context"
	"sync"
	"time"

	"github.com/eschnou/sunorooms/core/playback"
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

type fakePlayer struct {
	mu      sync.Mutex
	url     string
	events  playback.PlayerEvents
	seeks   []float64
	current float64
}

func (p *fakePlayer) Load(url string, events playback.PlayerEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.events = events
	return nil
}

func (p *fakePlayer) Seek(s float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, s)
	p.current = s
}

func (p *fakePlayer) Play() error { return nil }
func (p *fakePlayer) Pause()      {}
func (p *fakePlayer) Release()    {}

func (p *fakePlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePlayer) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePlayer) lastSeek() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.seeks) == 0 {
		return -1
	}
	return p.seeks[len(p.seeks)-1]
}

func (p *fakePlayer) ready(duration float64) {
	p.mu.Lock()
	onReady := p.events.OnReady
	p.mu.Unlock()
	onReady(duration)
}

func (p *fakePlayer) fail(err error) {
	p.mu.Lock()
	onError := p.events.OnError
	p.mu.Unlock()
	onError(err)
}

type playerPool struct {
	mu      sync.Mutex
	players []*fakePlayer
}

func (pp *playerPool) New() playback.Player {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	p := &fakePlayer{}
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

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *fakeStore) Upload(_ context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.objects[path] = data
	s.types[path] = contentType
	return nil
}

func (s *fakeStore) PublicURL(path string) string {
	return "http://cdn.test/audio/" + path
}
