package playback

import (
	"context"
	"fmt"
	"math"

	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// Broadcaster sends room broadcasts.
type Broadcaster interface {
	Send(ctx context.Context, event string, payload interface{}) error
}

// ClaimPublisher publishes the DJ's playback claim into its presence record.
type ClaimPublisher interface {
	SetPlayback(ctx context.Context, claim model.PlaybackClaim) error
}

// Playlist is the read side of the playlist the DJ plays from.
type Playlist interface {
	Get(id string) (model.Track, bool)
	First() (model.Track, bool)
	Next(id string) (model.Track, bool)
}

// DJ drives outbound transport: every action is applied locally, broadcast
// to connected spectators and recorded as a presence claim for late joiners.
type DJ struct {
	engine   *Engine
	playlist Playlist
	out      Broadcaster
	claims   ClaimPublisher
	clock    Clock
}

// NewDJ wires a DJ controller.
func NewDJ(engine *Engine, playlist Playlist, out Broadcaster, claims ClaimPublisher, clock Clock) *DJ {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DJ{engine: engine, playlist: playlist, out: out, claims: claims, clock: clock}
}

// Play plays the current track, or the first one when nothing is loaded.
// The current track resumes from its position; any other starts at 0.
func (d *DJ) Play(ctx context.Context) error {
	current := d.engine.CurrentTrackID()

	track, ok := d.playlist.Get(current)
	if !ok {
		track, ok = d.playlist.First()
	}
	if !ok {
		logger.Warn("Play requested with an empty playlist")
		return model.ErrMissingTrack
	}

	if track.ID != current {
		return d.start(ctx, track, 0)
	}
	if d.engine.State() != Paused {
		return d.start(ctx, track, d.engine.Position())
	}

	// paused on this track: keep the loaded player
	if err := d.engine.Resume(); err != nil {
		return err
	}
	return d.announce(ctx, track, d.command(track, d.engine.Position()))
}

// PlayTrack plays the given track from the beginning.
func (d *DJ) PlayTrack(ctx context.Context, trackID string) error {
	track, ok := d.playlist.Get(trackID)
	if !ok {
		logger.Warn("Play requested for unknown track", logger.String("trackId", trackID))
		return model.ErrMissingTrack
	}
	return d.start(ctx, track, 0)
}

// Skip plays the next track from 0. It reports false, and sends nothing,
// when there is no next track or the next one has no url yet.
func (d *DJ) Skip(ctx context.Context) (bool, error) {
	next, ok := d.playlist.Next(d.engine.CurrentTrackID())
	if !ok || !next.Playable() {
		return false, nil
	}
	return true, d.start(ctx, next, 0)
}

// Seek moves the current track to position for everyone. A paused track
// stays paused at the new position.
func (d *DJ) Seek(ctx context.Context, position float64) error {
	track, ok := d.playlist.Get(d.engine.CurrentTrackID())
	if !ok || !track.Playable() {
		return model.ErrMissingTrack
	}
	position = math.Max(0, position)
	d.engine.Seek(position)

	if d.engine.State() == Paused {
		return d.publishPaused(ctx)
	}
	return d.announce(ctx, track, d.command(track, position))
}

// Pause pauses locally, tells spectators and records a paused claim.
func (d *DJ) Pause(ctx context.Context) error {
	d.engine.Pause()
	return d.publishPaused(ctx)
}

func (d *DJ) publishPaused(ctx context.Context) error {
	position := d.engine.Position()

	if err := d.out.Send(ctx, model.EventPlaybackPause, model.Empty{}); err != nil {
		return fmt.Errorf("broadcast pause: %w", err)
	}

	claim := model.PlaybackClaim{
		IsPlaying:     false,
		TrackID:       d.engine.CurrentTrackID(),
		TrackURL:      d.engine.CurrentURL(),
		StartPosition: position,
		Timestamp:     d.clock.Now().UnixMilli(),
		PausedAt:      &position,
	}
	if err := d.claims.SetPlayback(ctx, claim); err != nil {
		return fmt.Errorf("publish paused claim: %w", err)
	}
	return nil
}

// Stop unloads the track everywhere.
func (d *DJ) Stop(ctx context.Context) error {
	d.engine.Stop()

	if err := d.out.Send(ctx, model.EventPlaybackStop, model.Empty{}); err != nil {
		return fmt.Errorf("broadcast stop: %w", err)
	}
	claim := model.PlaybackClaim{IsPlaying: false, Timestamp: d.clock.Now().UnixMilli()}
	if err := d.claims.SetPlayback(ctx, claim); err != nil {
		return fmt.Errorf("publish stopped claim: %w", err)
	}
	return nil
}

func (d *DJ) start(ctx context.Context, track model.Track, start float64) error {
	if !track.Playable() {
		logger.Warn("Track has no url yet",
			logger.String("trackId", track.ID),
			logger.String("status", string(track.Status)))
		return model.ErrMissingTrack
	}

	cmd := d.command(track, start)
	if _, err := d.engine.PlayTrack(cmd); err != nil {
		return err
	}
	return d.announce(ctx, track, cmd)
}

func (d *DJ) command(track model.Track, start float64) model.PlaybackCommand {
	return model.PlaybackCommand{
		TrackID:       track.ID,
		URL:           track.URL,
		StartPosition: start,
		Timestamp:     d.clock.Now().UnixMilli(),
	}
}

// announce broadcasts cmd and records it as the playing claim.
func (d *DJ) announce(ctx context.Context, track model.Track, cmd model.PlaybackCommand) error {
	if err := d.out.Send(ctx, model.EventPlaybackPlay, cmd); err != nil {
		return fmt.Errorf("broadcast play: %w", err)
	}
	if err := d.claims.SetPlayback(ctx, cmd.Claim()); err != nil {
		return fmt.Errorf("publish claim: %w", err)
	}

	logger.Info("DJ started track",
		logger.String("trackId", track.ID),
		logger.String("name", track.Name),
		logger.Float64("start", cmd.StartPosition))
	return nil
}
