// Package session is the composition root of one client in one room. It
// wires the room channel, presence tracking, the local playlist and the
// playback engine, and exposes the commands and queries a UI needs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eschnou/sunorooms/core/channel"
	"github.com/eschnou/sunorooms/core/playback"
	"github.com/eschnou/sunorooms/core/playlist"
	"github.com/eschnou/sunorooms/core/presence"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultPositionTick   = 100 * time.Millisecond
	noticeBuffer          = 32
)

// ObjectStore is where the DJ uploads audio so spectators can fetch it.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// Identity is the device identity a session publishes under.
type Identity struct {
	UserID   string
	Nickname string
}

// NoticeKind classifies user-visible errors.
type NoticeKind string

const (
	NoticeConnection NoticeKind = "connection"
	NoticeUpload     NoticeKind = "upload"
	NoticePlayback   NoticeKind = "playback"
)

// Notice is an error the user should see. None of them end the session.
type Notice struct {
	Kind    NoticeKind
	TrackID string
	Err     error
}

func (n Notice) Error() string {
	if n.TrackID == "" {
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	}
	return fmt.Sprintf("%s (%s): %v", n.Kind, n.TrackID, n.Err)
}

// Options configures a Session.
type Options struct {
	RoomID   string
	Identity Identity
	IsDJ     bool

	// Conn must be keyed by Identity.UserID.
	Conn channel.Conn
	// Store is required for uploads only.
	Store ObjectStore
	// Playlist is created when nil. Pass one in to share it with a
	// player cache.
	Playlist  *playlist.Store
	NewPlayer playback.PlayerFactory
	Clock     playback.Clock

	MaxUploadBytes int64
	PositionTick   time.Duration
}

// Session is one client in one room.
type Session struct {
	roomID   string
	identity Identity
	isDJ     bool
	conn     channel.Conn
	store    ObjectStore
	clock    playback.Clock

	maxUpload int64
	tick      time.Duration

	playlist *playlist.Store
	engine   *playback.Engine
	dj       *playback.DJ
	follower *playback.Follower
	tracker  *presence.Tracker

	notices chan Notice

	mu           sync.RWMutex
	participants []model.Participant
	subs         []channel.Subscription
	joined       bool
	closed       bool
	stopTick     context.CancelFunc
	tickDone     chan struct{}
}

// New builds a session. Nothing is sent until Join.
func New(opts Options) (*Session, error) {
	if opts.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if opts.Identity.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Conn == nil {
		return nil, errors.New("channel connection is required")
	}
	if opts.NewPlayer == nil {
		return nil, errors.New("player factory is required")
	}
	if opts.Clock == nil {
		opts.Clock = playback.SystemClock{}
	}
	if opts.Playlist == nil {
		opts.Playlist = playlist.NewStore()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.PositionTick <= 0 {
		opts.PositionTick = defaultPositionTick
	}

	s := &Session{
		roomID:    opts.RoomID,
		identity:  opts.Identity,
		isDJ:      opts.IsDJ,
		conn:      opts.Conn,
		store:     opts.Store,
		clock:     opts.Clock,
		maxUpload: opts.MaxUploadBytes,
		tick:      opts.PositionTick,
		playlist:  opts.Playlist,
		notices:   make(chan Notice, noticeBuffer),
	}

	s.engine = playback.NewEngine(playback.EngineOptions{
		NewPlayer: opts.NewPlayer,
		Clock:     opts.Clock,
		Tracks:    s.playlist,
		OnError:   s.onPlaybackError,
		OnEnded:   s.onPlaybackEnded,
	})
	s.tracker = presence.NewTracker(s.conn, model.PresenceRecord{
		Nickname: opts.Identity.Nickname,
		IsDJ:     opts.IsDJ,
	})
	if opts.IsDJ {
		s.dj = playback.NewDJ(s.engine, s.playlist, s.conn, s.tracker, opts.Clock)
	} else {
		s.follower = playback.NewFollower(s.engine)
	}
	return s, nil
}

// Join registers the handlers, subscribes to the room and publishes this
// client's presence record.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = true
	s.subs = append(s.subs,
		s.conn.OnBroadcast(model.EventTrackAdded, s.handleTrackAdded),
		s.conn.OnSync(s.handleSync),
	)
	if s.follower != nil {
		s.subs = append(s.subs,
			s.conn.OnBroadcast(model.EventPlaybackPlay, s.follower.HandlePlay),
			s.conn.OnBroadcast(model.EventPlaybackPause, s.follower.HandlePause),
			s.conn.OnBroadcast(model.EventPlaybackStop, s.follower.HandleStop),
		)
	}
	s.mu.Unlock()

	if err := s.conn.Subscribe(ctx); err != nil {
		s.notify(Notice{Kind: NoticeConnection, Err: err})
		s.mu.Lock()
		s.joined = false
		s.unsubscribeLocked()
		s.mu.Unlock()
		return err
	}

	joinedAt := s.clock.Now().UnixMilli()
	if err := s.tracker.Update(ctx, func(r *model.PresenceRecord) { r.JoinedAt = joinedAt }); err != nil {
		s.notify(Notice{Kind: NoticeConnection, Err: err})
		return fmt.Errorf("publish presence: %w", err)
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopTick = cancel
	s.tickDone = make(chan struct{})
	done := s.tickDone
	s.mu.Unlock()
	go s.sampleLoop(tickCtx, done)

	logger.Info("Joined room",
		logger.String("room", s.roomID),
		logger.String("userId", s.identity.UserID),
		logger.String("nickname", s.identity.Nickname),
		logger.Bool("dj", s.isDJ))
	return nil
}

// Leave stops playback, drops the local playlist and closes the channel
// connection. Other clients see this participant disappear on their next
// sync.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.unsubscribeLocked()
	stop, done := s.stopTick, s.tickDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.engine.Stop()
	s.playlist.Clear()
	err := s.conn.Close()

	logger.Info("Left room", logger.String("room", s.roomID), logger.String("userId", s.identity.UserID))
	return err
}

func (s *Session) unsubscribeLocked() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// ========== Queries ==========

func (s *Session) RoomID() string     { return s.roomID }
func (s *Session) Identity() Identity { return s.identity }
func (s *Session) IsDJ() bool         { return s.isDJ }
func (s *Session) IsConnected() bool  { return s.conn.IsConnected() }

// Notices delivers user-visible errors. Notices are dropped when nobody
// drains the channel.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

// Participants returns the participant list derived from the last sync.
func (s *Session) Participants() []model.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// DJ returns the authoritative DJ among the participants.
func (s *Session) DJ() (model.Participant, bool) {
	return presence.FindDJ(s.Participants())
}

// Playlist returns a snapshot of the local playlist.
func (s *Session) Playlist() []model.Track {
	return s.playlist.Tracks()
}

// View returns the local playback view.
func (s *Session) View() model.PlaybackView {
	return s.engine.View()
}

// CurrentTrack returns the playlist entry of the loaded track, if known.
func (s *Session) CurrentTrack() (model.Track, bool) {
	return s.playlist.Get(s.engine.CurrentTrackID())
}

// ========== DJ commands ==========

func (s *Session) Play(ctx context.Context) error {
	if s.dj == nil {
		return model.ErrNotDJ
	}
	return s.dj.Play(ctx)
}

func (s *Session) PlayTrack(ctx context.Context, trackID string) error {
	if s.dj == nil {
		return model.ErrNotDJ
	}
	return s.dj.PlayTrack(ctx, trackID)
}

func (s *Session) Pause(ctx context.Context) error {
	if s.dj == nil {
		return model.ErrNotDJ
	}
	return s.dj.Pause(ctx)
}

// Skip plays the next track. It reports false when there is none.
func (s *Session) Skip(ctx context.Context) (bool, error) {
	if s.dj == nil {
		return false, model.ErrNotDJ
	}
	return s.dj.Skip(ctx)
}

// Seek moves the current track to position, in seconds, for the room.
func (s *Session) Seek(ctx context.Context, position float64) error {
	if s.dj == nil {
		return model.ErrNotDJ
	}
	return s.dj.Seek(ctx, position)
}

func (s *Session) Stop(ctx context.Context) error {
	if s.dj == nil {
		return model.ErrNotDJ
	}
	return s.dj.Stop(ctx)
}

// RemoveTrack drops a track from the local playlist only. Other clients
// keep their copy.
func (s *Session) RemoveTrack(id string) bool {
	return s.playlist.RemoveTrack(id)
}

// ========== Channel handlers ==========

func (s *Session) handleTrackAdded(msg channel.Message) {
	var t model.Track
	if err := msg.Decode(&t); err != nil {
		logger.Warn("Dropping malformed track-added", logger.ErrorField(err))
		return
	}
	if t.ID == "" || t.URL == "" {
		logger.Warn("Dropping track-added without id or url", logger.String("trackId", t.ID))
		return
	}
	t.Status = model.TrackReady
	if s.playlist.AddTrack(t) {
		logger.Info("Track added",
			logger.String("room", s.roomID),
			logger.String("trackId", t.ID),
			logger.String("name", t.Name),
			logger.String("from", msg.From))
	}
}

func (s *Session) handleSync(state channel.PresenceState) {
	participants := presence.Reduce(state)

	s.mu.Lock()
	if s.participants != nil && presence.Equal(s.participants, participants) {
		s.mu.Unlock()
		return
	}
	s.participants = participants
	s.mu.Unlock()

	logger.Debug("Presence sync",
		logger.String("room", s.roomID),
		logger.Int("participants", len(participants)))

	if s.follower != nil {
		s.follower.Reconcile(participants)
	}
}

func (s *Session) onPlaybackError(trackID string, err error) {
	s.notify(Notice{Kind: NoticePlayback, TrackID: trackID, Err: err})
}

func (s *Session) onPlaybackEnded(trackID string) {
	logger.Info("Track ended", logger.String("room", s.roomID), logger.String("trackId", trackID))
}

func (s *Session) notify(n Notice) {
	logger.Warn("Session notice",
		logger.String("room", s.roomID),
		logger.String("kind", string(n.Kind)),
		logger.String("trackId", n.TrackID),
		logger.ErrorField(n.Err))

	select {
	case s.notices <- n:
	default:
	}
}

// sampleLoop refreshes the displayed position. It never changes what is
// playing.
func (s *Session) sampleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.Sample()
		}
	}
}
