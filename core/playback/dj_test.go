package playback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschnou/sunorooms/core/playlist"
	"github.com/eschnou/sunorooms/model"
)

type djFixture struct {
	clock  *fixedClock
	store  *playlist.Store
	engine *Engine
	pool   *playerPool
	out    *fakeBroadcaster
	claims *fakeClaims
	dj     *DJ
}

func newDJFixture(tracks ...model.Track) *djFixture {
	f := &djFixture{
		clock:  newFixedClock(),
		store:  playlist.NewStore(),
		pool:   &playerPool{},
		out:    &fakeBroadcaster{},
		claims: &fakeClaims{},
	}
	for _, t := range tracks {
		f.store.AddTrack(t)
	}
	f.engine = NewEngine(EngineOptions{NewPlayer: f.pool.New, Clock: f.clock, Tracks: f.store})
	f.dj = NewDJ(f.engine, f.store, f.out, f.claims, f.clock)
	return f
}

func ready(id string) model.Track {
	return model.Track{ID: id, Name: id, URL: "http://cdn/" + id + ".mp3", Status: model.TrackReady, DurationSeconds: 120}
}

func TestDJ_PlayStartsFirstTrackAndAnnounces(t *testing.T) {
	f := newDJFixture(ready("a"), ready("b"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))

	require.Len(t, f.out.sent, 1)
	assert.Equal(t, model.EventPlaybackPlay, f.out.sent[0].event)
	cmd := f.out.sent[0].payload.(model.PlaybackCommand)
	assert.Equal(t, model.PlaybackCommand{
		TrackID: "a", URL: "http://cdn/a.mp3", StartPosition: 0, Timestamp: f.clock.Millis(0),
	}, cmd)

	require.Len(t, f.claims.claims, 1)
	assert.Equal(t, cmd.Claim(), f.claims.last())
	assert.Equal(t, "a", f.engine.CurrentTrackID())
	assert.Equal(t, "http://cdn/a.mp3", f.pool.Last().url)
}

func TestDJ_PlayResumesCurrentTrackPosition(t *testing.T) {
	f := newDJFixture(ready("a"), ready("b"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	p := f.pool.Last()
	p.ready(120)
	p.setCurrent(42)
	require.NoError(t, f.dj.Pause(ctx))

	require.NoError(t, f.dj.Play(ctx))

	cmd := f.out.sent[len(f.out.sent)-1].payload.(model.PlaybackCommand)
	assert.Equal(t, "a", cmd.TrackID)
	assert.Equal(t, 42.0, cmd.StartPosition)
	assert.True(t, f.claims.last().IsPlaying)

	assert.Equal(t, 1, f.pool.Count(), "resume keeps the loaded player")
	assert.Equal(t, 2, p.plays)
	assert.Equal(t, Playing, f.engine.State())
}

func TestDJ_SeekWhilePlayingAnnouncesNewPosition(t *testing.T) {
	f := newDJFixture(ready("a"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	p := f.pool.Last()
	p.ready(120)
	f.clock.Advance(5 * time.Second)

	require.NoError(t, f.dj.Seek(ctx, 90))

	assert.Equal(t, 90.0, p.lastSeek())
	last := f.out.sent[len(f.out.sent)-1]
	assert.Equal(t, model.EventPlaybackPlay, last.event)
	cmd := last.payload.(model.PlaybackCommand)
	assert.Equal(t, 90.0, cmd.StartPosition)
	assert.Equal(t, f.clock.Now().UnixMilli(), cmd.Timestamp)
	assert.Equal(t, cmd.Claim(), f.claims.last())
	assert.Equal(t, 1, f.pool.Count())
}

func TestDJ_SeekWhilePausedStaysPaused(t *testing.T) {
	f := newDJFixture(ready("a"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	f.pool.Last().ready(120)
	require.NoError(t, f.dj.Pause(ctx))

	require.NoError(t, f.dj.Seek(ctx, 30))

	assert.Equal(t, Paused, f.engine.State())
	assert.Equal(t, model.EventPlaybackPause, f.out.sent[len(f.out.sent)-1].event)
	claim := f.claims.last()
	assert.False(t, claim.IsPlaying)
	require.NotNil(t, claim.PausedAt)
	assert.Equal(t, 30.0, *claim.PausedAt)
}

func TestDJ_SeekWithNothingLoaded(t *testing.T) {
	f := newDJFixture(ready("a"))

	err := f.dj.Seek(context.Background(), 10)
	assert.ErrorIs(t, err, model.ErrMissingTrack)
	assert.Empty(t, f.out.sent)
}

func TestDJ_PlayWithEmptyPlaylist(t *testing.T) {
	f := newDJFixture()

	err := f.dj.Play(context.Background())
	assert.ErrorIs(t, err, model.ErrMissingTrack)
	assert.Empty(t, f.out.sent)
	assert.Empty(t, f.claims.claims)
}

func TestDJ_PlayPendingTrackIsDropped(t *testing.T) {
	f := newDJFixture(model.Track{ID: "a", Name: "a", Status: model.TrackPending})

	err := f.dj.Play(context.Background())
	assert.ErrorIs(t, err, model.ErrMissingTrack)
	assert.Empty(t, f.out.sent)
	assert.Equal(t, 0, f.pool.Count())
}

func TestDJ_PauseBroadcastsAndPublishesPausedClaim(t *testing.T) {
	f := newDJFixture(ready("a"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	f.pool.Last().ready(120)
	f.pool.Last().setCurrent(8)

	require.NoError(t, f.dj.Pause(ctx))

	assert.Equal(t, model.EventPlaybackPause, f.out.sent[len(f.out.sent)-1].event)
	claim := f.claims.last()
	assert.False(t, claim.IsPlaying)
	assert.Equal(t, "a", claim.TrackID)
	require.NotNil(t, claim.PausedAt)
	assert.Equal(t, 8.0, *claim.PausedAt)
	assert.Equal(t, Paused, f.engine.State())
}

func TestDJ_SkipToNextStartsAtZero(t *testing.T) {
	f := newDJFixture(ready("a"), ready("b"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	f.pool.Last().ready(120)
	f.pool.Last().setCurrent(50)

	skipped, err := f.dj.Skip(ctx)
	require.NoError(t, err)
	assert.True(t, skipped)

	cmd := f.out.sent[len(f.out.sent)-1].payload.(model.PlaybackCommand)
	assert.Equal(t, "b", cmd.TrackID)
	assert.Equal(t, 0.0, cmd.StartPosition)
	assert.Equal(t, "b", f.engine.CurrentTrackID())
}

func TestDJ_SkipOnLastTrackIsNoop(t *testing.T) {
	f := newDJFixture(ready("a"), ready("b"))
	ctx := context.Background()

	require.NoError(t, f.dj.PlayTrack(ctx, "b"))
	f.pool.Last().ready(120)
	sentBefore := len(f.out.sent)
	viewBefore := f.engine.View()
	players := f.pool.Count()

	skipped, err := f.dj.Skip(ctx)
	require.NoError(t, err)
	assert.False(t, skipped)

	assert.Len(t, f.out.sent, sentBefore)
	assert.Equal(t, viewBefore, f.engine.View())
	assert.Equal(t, players, f.pool.Count())
}

func TestDJ_SkipToPendingTrackIsNoop(t *testing.T) {
	f := newDJFixture(ready("a"), model.Track{ID: "b", Name: "b", Status: model.TrackPending})
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	f.pool.Last().ready(120)
	sentBefore := len(f.out.sent)

	skipped, err := f.dj.Skip(ctx)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Len(t, f.out.sent, sentBefore)
	assert.Equal(t, "a", f.engine.CurrentTrackID())
}

func TestDJ_SkipWithNothingPlayingIsNoop(t *testing.T) {
	f := newDJFixture()

	skipped, err := f.dj.Skip(context.Background())
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Empty(t, f.out.sent)
	assert.Equal(t, Idle, f.engine.State())
}

func TestDJ_Stop(t *testing.T) {
	f := newDJFixture(ready("a"))
	ctx := context.Background()

	require.NoError(t, f.dj.Play(ctx))
	require.NoError(t, f.dj.Stop(ctx))

	assert.Equal(t, model.EventPlaybackStop, f.out.sent[len(f.out.sent)-1].event)
	assert.False(t, f.claims.last().IsPlaying)
	assert.Equal(t, Idle, f.engine.State())
}

func TestDJ_BroadcastFailureIsReported(t *testing.T) {
	f := newDJFixture(ready("a"))
	f.out.err = model.ErrNotConnected

	err := f.dj.Play(context.Background())
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Equal(t, "a", f.engine.CurrentTrackID(), "local playback still applied")
}
