package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/eschnou/sunorooms/core/playback"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

const (
	defaultProgressInterval = 250 * time.Millisecond
	defaultMaxDownload      = 64 << 20
)

// Cache keeps downloaded audio so a track is fetched once.
type Cache interface {
	CachedByURL(url string) ([]byte, bool)
	CacheByURL(url string, data []byte)
}

// Options configures a headless Player.
type Options struct {
	Client           *http.Client
	Cache            Cache
	ProgressInterval time.Duration
	MaxDownload      int64
}

// Player is a headless media player: it downloads the resource, probes its
// duration and keeps a wall-clock playhead. No audio is rendered.
type Player struct {
	client      *http.Client
	cache       Cache
	interval    time.Duration
	maxDownload int64

	mu        sync.Mutex
	events    playback.PlayerEvents
	cancel    context.CancelFunc
	loaded    bool
	released  bool
	duration  float64
	base      float64 // position when playback last (re)started
	startedAt time.Time
	playing   bool
	stopTick  chan struct{}
}

var _ playback.Player = (*Player)(nil)

// NewPlayer returns an unloaded player.
func NewPlayer(opts Options) *Player {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.MaxDownload <= 0 {
		opts.MaxDownload = defaultMaxDownload
	}
	return &Player{
		client:      opts.Client,
		cache:       opts.Cache,
		interval:    opts.ProgressInterval,
		maxDownload: opts.MaxDownload,
	}
}

// Factory returns a playback.PlayerFactory building players with opts.
func Factory(opts Options) playback.PlayerFactory {
	return func() playback.Player { return NewPlayer(opts) }
}

// Load starts fetching url in the background. OnReady or OnError fires
// from that goroutine.
func (p *Player) Load(url string, events playback.PlayerEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return errors.New("player released")
	}
	if p.cancel != nil {
		return errors.New("player already loaded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.events = events

	go p.fetch(ctx, url)
	return nil
}

func (p *Player) fetch(ctx context.Context, url string) {
	data, err := p.download(ctx, url)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.emitError(err)
		return
	}

	info, err := ProbeMP3(data)
	if err != nil {
		p.emitError(fmt.Errorf("decode %s: %w", url, err))
		return
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.loaded = true
	p.duration = info.Duration
	onReady := p.events.OnReady
	p.mu.Unlock()

	logger.Debug("Audio loaded",
		logger.String("url", url),
		logger.Int("bytes", len(data)),
		logger.Float64("duration", info.Duration))

	if onReady != nil {
		onReady(info.Duration)
	}
}

func (p *Player) download(ctx context.Context, url string) ([]byte, error) {
	if p.cache != nil {
		if data, ok := p.cache.CachedByURL(url); ok {
			return data, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxDownload+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.maxDownload {
		return nil, fmt.Errorf("fetch %s: larger than %d bytes", url, p.maxDownload)
	}

	if p.cache != nil {
		p.cache.CacheByURL(url, data)
	}
	return data, nil
}

func (p *Player) emitError(err error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	onError := p.events.OnError
	p.mu.Unlock()

	if onError != nil {
		onError(err)
	}
}

// Seek moves the playhead, clamped to the known duration.
func (p *Player) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seconds < 0 {
		seconds = 0
	}
	if p.duration > 0 && seconds > p.duration {
		seconds = p.duration
	}
	p.base = seconds
	p.startedAt = time.Now()
}

// Play starts the playhead and the progress ticker.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return errors.New("player released")
	}
	if !p.loaded {
		return fmt.Errorf("%w: not loaded", model.ErrPlayback)
	}
	if p.playing {
		return nil
	}
	p.playing = true
	p.startedAt = time.Now()
	p.stopTick = make(chan struct{})
	go p.tick(p.stopTick)
	return nil
}

// Pause freezes the playhead.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauseLocked()
}

func (p *Player) pauseLocked() {
	if !p.playing {
		return
	}
	p.base = p.currentLocked()
	p.playing = false
	close(p.stopTick)
	p.stopTick = nil
}

// CurrentTime returns the playhead in seconds.
func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *Player) currentLocked() float64 {
	pos := p.base
	if p.playing {
		pos += time.Since(p.startedAt).Seconds()
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

// Release cancels any download, stops the ticker and detaches the events.
func (p *Player) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return
	}
	p.released = true
	p.pauseLocked()
	if p.cancel != nil {
		p.cancel()
	}
	p.events = playback.PlayerEvents{}
}

func (p *Player) tick(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.released || !p.playing {
				p.mu.Unlock()
				return
			}
			pos := p.currentLocked()
			finished := p.duration > 0 && pos >= p.duration
			onProgress := p.events.OnProgress
			onEnded := p.events.OnEnded
			if finished {
				p.pauseLocked()
			}
			p.mu.Unlock()

			if onProgress != nil {
				onProgress(pos)
			}
			if finished {
				if onEnded != nil {
					onEnded()
				}
				return
			}
		}
	}
}
