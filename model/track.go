package model

// TrackStatus is the upload lifecycle of a track.
type TrackStatus string

const (
	TrackPending TrackStatus = "pending"
	TrackReady   TrackStatus = "ready"
	TrackError   TrackStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s TrackStatus) Valid() bool {
	switch s {
	case TrackPending, TrackReady, TrackError:
		return true
	}
	return false
}

// Track represents an audio track in a room playlist.
type Track struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	SizeBytes       int64       `json:"size"`
	DurationSeconds float64     `json:"duration"`
	URL             string      `json:"url,omitempty"` // empty until upload completes
	Status          TrackStatus `json:"status"`
}

// Playable reports whether the track can be handed to a player.
func (t Track) Playable() bool {
	return t.URL != ""
}
