package playback

import (
	"fmt"
	"math"
	"sync"

	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// State is the playback state of one client.
type State int

const (
	Idle State = iota
	Loading
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TrackLookup resolves track metadata.
type TrackLookup interface {
	Get(id string) (model.Track, bool)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	NewPlayer PlayerFactory
	Clock     Clock
	// Tracks supplies the metadata duration shown until the player reports one.
	Tracks TrackLookup
	// OnError is called, outside the engine lock, when the player fails.
	OnError func(trackID string, err error)
	// OnEnded is called, outside the engine lock, when a track plays out.
	OnEnded func(trackID string)
}

// Engine is the playback state machine of one client. It drives a Player
// and keeps the read-facing position and duration.
//
// Every load gets a new generation; callbacks from an older generation are
// ignored so a superseded player can never act on the current track.
type Engine struct {
	newPlayer PlayerFactory
	clock     Clock
	tracks    TrackLookup
	onError   func(trackID string, err error)
	onEnded   func(trackID string)

	mu           sync.Mutex
	state        State
	gen          uint64
	player       Player
	trackID      string
	url          string
	position     float64
	duration     float64
	pausePending bool
}

// NewEngine returns an idle engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Engine{
		newPlayer: opts.NewPlayer,
		clock:     opts.Clock,
		tracks:    opts.Tracks,
		onError:   opts.OnError,
		onEnded:   opts.OnEnded,
	}
}

// PlayTrack releases any current player, loads cmd.URL in a fresh one and
// starts it at the drift-compensated position once it is ready. It returns
// the position that will be seeked to.
func (e *Engine) PlayTrack(cmd model.PlaybackCommand) (float64, error) {
	if cmd.TrackID == "" || cmd.URL == "" {
		return 0, model.ErrMissingTrack
	}
	seek := SeekPosition(cmd.StartPosition, cmd.Timestamp, e.clock.Now())

	e.mu.Lock()
	e.releaseLocked()
	e.gen++
	gen := e.gen

	e.state = Loading
	e.trackID = cmd.TrackID
	e.url = cmd.URL
	e.position = seek
	e.duration = e.metadataDuration(cmd.TrackID)
	e.pausePending = false

	p := e.newPlayer()
	e.player = p
	err := p.Load(cmd.URL, e.events(gen))
	e.mu.Unlock()

	logger.Debug("Loading track",
		logger.String("trackId", cmd.TrackID),
		logger.Float64("seek", seek))

	if err != nil {
		e.fail(gen, err)
		return seek, fmt.Errorf("%w: %v", model.ErrPlayback, err)
	}
	return seek, nil
}

// Pause pauses playback and keeps the position. A pause while loading is
// remembered and applied once the player is ready. It reports whether the
// call changed anything.
func (e *Engine) Pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Playing:
		e.player.Pause()
		e.position = e.player.CurrentTime()
		e.state = Paused
		return true
	case Loading:
		if e.pausePending {
			return false
		}
		e.pausePending = true
		return true
	default:
		return false
	}
}

// Resume continues a paused track from its current position.
func (e *Engine) Resume() error {
	e.mu.Lock()
	switch e.state {
	case Paused:
	case Loading:
		e.pausePending = false
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		return nil
	}

	gen := e.gen
	err := e.player.Play()
	if err == nil {
		e.state = Playing
	}
	e.mu.Unlock()

	if err != nil {
		e.fail(gen, err)
		return fmt.Errorf("%w: %v", model.ErrPlayback, err)
	}
	return nil
}

// Stop releases the player and clears track, position and duration.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// Seek moves the playhead. While loading the position becomes the pending
// seek target.
func (e *Engine) Seek(position float64) {
	position = math.Max(0, position)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Playing, Paused:
		e.player.Seek(position)
		e.position = position
	case Loading:
		e.position = position
	}
}

// Sample refreshes the displayed position from the player.
func (e *Engine) Sample() model.PlaybackView {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Playing && e.player != nil {
		e.position = e.player.CurrentTime()
	}
	return e.viewLocked()
}

// View returns the current playback view.
func (e *Engine) View() model.PlaybackView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) CurrentTrackID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trackID
}

// CurrentURL returns the url of the loaded track.
func (e *Engine) CurrentURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

// Position returns the current position in seconds.
func (e *Engine) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Playing && e.player != nil {
		return e.player.CurrentTime()
	}
	return e.position
}

func (e *Engine) viewLocked() model.PlaybackView {
	return model.PlaybackView{
		IsPlaying:      e.state == Playing,
		CurrentTrackID: e.trackID,
		CurrentTime:    e.position,
		Duration:       e.duration,
	}
}

func (e *Engine) metadataDuration(trackID string) float64 {
	if e.tracks == nil {
		return 0
	}
	if t, ok := e.tracks.Get(trackID); ok {
		return t.DurationSeconds
	}
	return 0
}

// releaseLocked must be called with mu held.
func (e *Engine) releaseLocked() {
	if e.player != nil {
		e.player.Release()
		e.player = nil
	}
}

// resetLocked must be called with mu held.
func (e *Engine) resetLocked() {
	e.releaseLocked()
	e.gen++
	e.state = Idle
	e.trackID = ""
	e.url = ""
	e.position = 0
	e.duration = 0
	e.pausePending = false
}

func (e *Engine) events(gen uint64) PlayerEvents {
	return PlayerEvents{
		OnReady:    func(d float64) { e.ready(gen, d) },
		OnProgress: func(pos float64) { e.progress(gen, pos) },
		OnEnded:    func() { e.ended(gen) },
		OnError:    func(err error) { e.fail(gen, err) },
	}
}

func (e *Engine) ready(gen uint64, duration float64) {
	e.mu.Lock()
	if gen != e.gen || e.state != Loading {
		e.mu.Unlock()
		return
	}
	if duration > 0 {
		e.duration = duration
	}
	e.player.Seek(e.position)

	if e.pausePending {
		e.pausePending = false
		e.state = Paused
		e.mu.Unlock()
		return
	}

	err := e.player.Play()
	if err == nil {
		e.state = Playing
	}
	trackID := e.trackID
	e.mu.Unlock()

	if err != nil {
		e.fail(gen, err)
		return
	}
	logger.Info("Playback started",
		logger.String("trackId", trackID),
		logger.Float64("position", e.Position()))
}

func (e *Engine) progress(gen uint64, position float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state != Playing {
		return
	}
	e.position = position
}

func (e *Engine) ended(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	trackID := e.trackID
	e.resetLocked()
	e.mu.Unlock()

	logger.Info("Track ended", logger.String("trackId", trackID))
	if e.onEnded != nil {
		e.onEnded(trackID)
	}
}

func (e *Engine) fail(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	trackID := e.trackID
	e.resetLocked()
	e.mu.Unlock()

	logger.Warn("Playback failed",
		logger.String("trackId", trackID),
		logger.ErrorField(err))
	if e.onError != nil {
		e.onError(trackID, fmt.Errorf("%w: %v", model.ErrPlayback, err))
	}
}
