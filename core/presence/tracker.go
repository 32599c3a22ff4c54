package presence

import (
	"context"
	"sync"

	"github.com/eschnou/sunorooms/model"
)

// Publisher is the part of a room channel the tracker needs.
type Publisher interface {
	Track(ctx context.Context, record interface{}) error
}

// Tracker owns the last full record this client published. Every update
// is a read-modify-write of that copy so no field is ever dropped.
type Tracker struct {
	pub Publisher

	mu     sync.Mutex
	record model.PresenceRecord
}

// NewTracker returns a tracker seeded with the identity fields.
func NewTracker(pub Publisher, initial model.PresenceRecord) *Tracker {
	return &Tracker{pub: pub, record: initial}
}

// Update applies fn to a copy of the record and publishes the result. The
// stored copy is replaced only when publishing succeeds.
func (t *Tracker) Update(ctx context.Context, fn func(*model.PresenceRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := copyRecord(t.record)
	fn(&next)
	if err := t.pub.Track(ctx, next); err != nil {
		return err
	}
	t.record = next
	return nil
}

// SetPlayback replaces the playback claim, keeping every other field.
func (t *Tracker) SetPlayback(ctx context.Context, claim model.PlaybackClaim) error {
	return t.Update(ctx, func(r *model.PresenceRecord) {
		r.PlaybackState = &claim
	})
}

func copyRecord(r model.PresenceRecord) model.PresenceRecord {
	if r.PlaybackState != nil {
		claim := *r.PlaybackState
		if claim.PausedAt != nil {
			at := *claim.PausedAt
			claim.PausedAt = &at
		}
		r.PlaybackState = &claim
	}
	return r
}
