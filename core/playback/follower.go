package playback

import (
	"sync"

	"github.com/eschnou/sunorooms/core/channel"
	"github.com/eschnou/sunorooms/core/presence"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// Follower mirrors the DJ on a spectator. It reacts to playback broadcasts
// and catches up from the DJ's presence claim; it never publishes anything.
type Follower struct {
	engine *Engine

	mu           sync.Mutex
	participants []model.Participant
	lastApplied  *model.PlaybackCommand
}

// NewFollower returns a follower driving engine.
func NewFollower(engine *Engine) *Follower {
	return &Follower{engine: engine}
}

// HandlePlay applies a playback-play broadcast.
func (f *Follower) HandlePlay(msg channel.Message) {
	if !f.fromDJ(msg.From) {
		return
	}
	var cmd model.PlaybackCommand
	if err := msg.Decode(&cmd); err != nil {
		logger.Warn("Dropping malformed play command", logger.ErrorField(err))
		return
	}
	f.apply(cmd, "broadcast")
}

// HandlePause applies a playback-pause broadcast.
func (f *Follower) HandlePause(msg channel.Message) {
	if !f.fromDJ(msg.From) {
		return
	}
	f.engine.Pause()
}

// HandleStop applies a playback-stop broadcast.
func (f *Follower) HandleStop(msg channel.Message) {
	if !f.fromDJ(msg.From) {
		return
	}
	f.mu.Lock()
	f.lastApplied = nil
	f.mu.Unlock()
	f.engine.Stop()
}

// Reconcile records the latest participant list and, when the DJ claims to
// be playing something not yet applied here, starts it at the compensated
// position.
func (f *Follower) Reconcile(participants []model.Participant) {
	f.mu.Lock()
	f.participants = participants
	f.mu.Unlock()

	dj, ok := presence.FindDJ(participants)
	if !ok {
		return
	}
	claim := dj.PlaybackState
	if claim == nil || !claim.IsPlaying || claim.TrackID == "" || claim.TrackURL == "" {
		return
	}
	f.apply(claim.Command(), "presence")
}

func (f *Follower) apply(cmd model.PlaybackCommand, source string) {
	f.mu.Lock()
	if f.lastApplied != nil && *f.lastApplied == cmd {
		f.mu.Unlock()
		return
	}
	applied := cmd
	f.lastApplied = &applied
	f.mu.Unlock()

	seek, err := f.engine.PlayTrack(cmd)
	if err != nil {
		logger.Warn("Cannot follow play command",
			logger.String("trackId", cmd.TrackID),
			logger.String("source", source),
			logger.ErrorField(err))
		return
	}
	logger.Debug("Following DJ",
		logger.String("trackId", cmd.TrackID),
		logger.String("source", source),
		logger.Float64("seek", seek))
}

// fromDJ reports whether a broadcast sender is the authoritative DJ. An
// unknown sender, or a room with no DJ in presence yet, is trusted.
func (f *Follower) fromDJ(from string) bool {
	if from == "" {
		return true
	}
	f.mu.Lock()
	participants := f.participants
	f.mu.Unlock()

	dj, ok := presence.FindDJ(participants)
	if !ok || dj.UserID == from {
		return true
	}
	logger.Debug("Ignoring playback command from non-DJ",
		logger.String("from", from),
		logger.String("dj", dj.UserID))
	return false
}
