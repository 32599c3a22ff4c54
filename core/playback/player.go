// Package playback is the synchronization core: a per-client playback state
// machine with drift compensation, the DJ's outbound transport controller and
// the spectator's reactor with late-joiner catch-up.
package playback

import (
	"math"
	"time"
)

// PlayerEvents are the callbacks a Player reports through. A Player must
// never invoke them synchronously from inside one of its own methods.
type PlayerEvents struct {
	// OnReady fires once the media is loaded and its duration is known.
	OnReady    func(duration float64)
	OnProgress func(position float64)
	OnEnded    func()
	OnError    func(err error)
}

// Player is the media player capability. One Player instance plays one
// resource; a new one is created for every load.
type Player interface {
	Load(url string, events PlayerEvents) error
	Seek(seconds float64)
	Play() error
	Pause()
	CurrentTime() float64
	// Release stops loading and playback and detaches the events.
	Release()
}

// PlayerFactory creates a fresh Player.
type PlayerFactory func() Player

// Clock is the wall-clock source used for timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SeekPosition compensates startPosition for the time elapsed since
// timestamp (ms since epoch). The result is never negative.
func SeekPosition(startPosition float64, timestamp int64, now time.Time) float64 {
	elapsed := float64(now.UnixMilli()-timestamp) / 1000
	return math.Max(0, startPosition+elapsed)
}
