package model

// ========== Presence (replicated through the room channel) ==========

// PlaybackClaim is the DJ's self-reported transport state. It is embedded in
// the DJ's presence record and overwritten on every transport action.
type PlaybackClaim struct {
	IsPlaying     bool     `json:"isPlaying"`
	TrackID       string   `json:"trackId,omitempty"`
	TrackURL      string   `json:"trackUrl,omitempty"`
	StartPosition float64  `json:"startPosition"` // seconds
	Timestamp     int64    `json:"timestamp"`     // ms since epoch
	PausedAt      *float64 `json:"pausedAt,omitempty"`
}

// Command returns the play tuple carried by the claim.
func (c PlaybackClaim) Command() PlaybackCommand {
	return PlaybackCommand{
		TrackID:       c.TrackID,
		URL:           c.TrackURL,
		StartPosition: c.StartPosition,
		Timestamp:     c.Timestamp,
	}
}

// PresenceRecord is what a client publishes about itself. Publishing replaces
// the whole record.
type PresenceRecord struct {
	Nickname      string         `json:"nickname"`
	IsDJ          bool           `json:"isDJ"`
	JoinedAt      int64          `json:"joinedAt"` // ms since epoch
	PlaybackState *PlaybackClaim `json:"playbackState,omitempty"`
}

// Participant is a presence record keyed by its user id.
type Participant struct {
	UserID string `json:"userId"`
	PresenceRecord
}

// ========== Broadcast payloads ==========

// PlaybackCommand is the payload of a playback-play broadcast.
type PlaybackCommand struct {
	TrackID       string  `json:"trackId"`
	URL           string  `json:"url"`
	StartPosition float64 `json:"startPosition"` // seconds
	Timestamp     int64   `json:"timestamp"`     // ms since epoch
}

// Claim converts the command into a playing claim.
func (c PlaybackCommand) Claim() PlaybackClaim {
	return PlaybackClaim{
		IsPlaying:     true,
		TrackID:       c.TrackID,
		TrackURL:      c.URL,
		StartPosition: c.StartPosition,
		Timestamp:     c.Timestamp,
	}
}

// Empty is the payload of pause and stop broadcasts.
type Empty struct{}

// PlaybackView is the locally derived, read-only playback state of a client.
type PlaybackView struct {
	IsPlaying      bool    `json:"isPlaying"`
	CurrentTrackID string  `json:"currentTrackId,omitempty"`
	CurrentTime    float64 `json:"currentTime"`
	Duration       float64 `json:"duration"`
}

// ========== Constants ==========

const (
	// Broadcast events
	EventTrackAdded    = "track-added"
	EventPlaybackPlay  = "playback-play"
	EventPlaybackPause = "playback-pause"
	EventPlaybackStop  = "playback-stop"

	// Audio upload
	AudioContentType = "audio/mpeg"
	AudioExtension   = ".mp3"
	AudioBucket      = "audio"
)
