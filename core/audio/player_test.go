package audio

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschnou/sunorooms/core/playback"
	"github.com/eschnou/sunorooms/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) CachedByURL(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[url]
	return d, ok
}

func (c *memCache) CacheByURL(url string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[url] = data
}

type eventLog struct {
	ready    atomic.Value
	errs     atomic.Int32
	ended    atomic.Int32
	progress atomic.Int32
}

func (l *eventLog) events() playback.PlayerEvents {
	return playback.PlayerEvents{
		OnReady:    func(d float64) { l.ready.Store(d) },
		OnProgress: func(float64) { l.progress.Add(1) },
		OnEnded:    func() { l.ended.Add(1) },
		OnError:    func(error) { l.errs.Add(1) },
	}
}

func (l *eventLog) duration() (float64, bool) {
	d, ok := l.ready.Load().(float64)
	return d, ok
}

func serveMP3(t *testing.T, data []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/track.mp3" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", model.AudioContentType)
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestPlayer_LoadReportsDuration(t *testing.T) {
	srv, _ := serveMP3(t, mp3Bytes(32000))
	p := NewPlayer(Options{})
	defer p.Release()

	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/track.mp3", log.events()))

	require.Eventually(t, func() bool { _, ok := log.duration(); return ok }, waitFor, tick)
	d, _ := log.duration()
	assert.InDelta(t, 2.0, d, 0.001)
	assert.Zero(t, log.errs.Load())
}

func TestPlayer_UsesCache(t *testing.T) {
	srv, hits := serveMP3(t, mp3Bytes(16000))
	cache := &memCache{}
	url := srv.URL + "/track.mp3"

	for i := 0; i < 2; i++ {
		p := NewPlayer(Options{Cache: cache})
		log := &eventLog{}
		require.NoError(t, p.Load(url, log.events()))
		require.Eventually(t, func() bool { _, ok := log.duration(); return ok }, waitFor, tick)
		p.Release()
	}

	assert.Equal(t, int32(1), hits.Load())
}

func TestPlayer_FetchErrorFiresOnError(t *testing.T) {
	srv, _ := serveMP3(t, mp3Bytes(16000))
	p := NewPlayer(Options{})
	defer p.Release()

	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/missing.mp3", log.events()))

	require.Eventually(t, func() bool { return log.errs.Load() == 1 }, waitFor, tick)
	_, ok := log.duration()
	assert.False(t, ok)
}

func TestPlayer_DecodeErrorFiresOnError(t *testing.T) {
	srv, _ := serveMP3(t, []byte("this is not audio"))
	p := NewPlayer(Options{})
	defer p.Release()

	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/track.mp3", log.events()))
	require.Eventually(t, func() bool { return log.errs.Load() == 1 }, waitFor, tick)
}

func TestPlayer_OversizedDownloadFails(t *testing.T) {
	srv, _ := serveMP3(t, mp3Bytes(4096))
	p := NewPlayer(Options{MaxDownload: 1024})
	defer p.Release()

	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/track.mp3", log.events()))
	require.Eventually(t, func() bool { return log.errs.Load() == 1 }, waitFor, tick)
}

func TestPlayer_PlayBeforeReadyFails(t *testing.T) {
	p := NewPlayer(Options{})
	err := p.Play()
	assert.ErrorIs(t, err, model.ErrPlayback)
}

func TestPlayer_SeekPlayPause(t *testing.T) {
	srv, _ := serveMP3(t, mp3Bytes(32000*30))
	p := NewPlayer(Options{ProgressInterval: tick})
	defer p.Release()

	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/track.mp3", log.events()))
	require.Eventually(t, func() bool { _, ok := log.duration(); return ok }, waitFor, tick)

	p.Seek(12)
	assert.InDelta(t, 12.0, p.CurrentTime(), 0.001)

	require.NoError(t, p.Play())
	require.Eventually(t, func() bool { return p.CurrentTime() > 12.02 }, waitFor, tick)
	require.Eventually(t, func() bool { return log.progress.Load() > 0 }, waitFor, tick)

	p.Pause()
	frozen := p.CurrentTime()
	time.Sleep(5 * tick)
	assert.Equal(t, frozen, p.CurrentTime())

	p.Seek(1000)
	assert.InDelta(t, 60.0, p.CurrentTime(), 0.001, "clamped to duration")
	p.Seek(-3)
	assert.Zero(t, p.CurrentTime())
}

func TestPlayer_EndedAtDuration(t *testing.T) {
	// 1600 bytes at 128 kbps is 0.1s
	srv, _ := serveMP3(t, mp3Bytes(1600))
	p := NewPlayer(Options{ProgressInterval: tick})
	defer p.Release()

	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/track.mp3", log.events()))
	require.Eventually(t, func() bool { _, ok := log.duration(); return ok }, waitFor, tick)

	require.NoError(t, p.Play())
	require.Eventually(t, func() bool { return log.ended.Load() == 1 }, waitFor, tick)
	assert.InDelta(t, 0.1, p.CurrentTime(), 0.001)
}

func TestPlayer_ReleaseDetachesEvents(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p := NewPlayer(Options{})
	log := &eventLog{}
	require.NoError(t, p.Load(srv.URL+"/track.mp3", log.events()))
	p.Release()

	time.Sleep(5 * tick)
	assert.Zero(t, log.errs.Load())
	_, ok := log.duration()
	assert.False(t, ok)
	assert.Error(t, p.Load(srv.URL, log.events()))
}
