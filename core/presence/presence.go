// Package presence turns the raw replicated presence map of a room into a
// participant list and owns the record this client publishes about itself.
package presence

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/eschnou/sunorooms/core/channel"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// Reduce builds one participant per presence key from the latest record
// published under it. Keys whose latest record cannot be decoded are
// skipped. The result is sorted by join time, then user id.
func Reduce(state channel.PresenceState) []model.Participant {
	participants := make([]model.Participant, 0, len(state))
	for key, records := range state {
		if len(records) == 0 {
			continue
		}
		var rec model.PresenceRecord
		if err := json.Unmarshal(records[len(records)-1], &rec); err != nil {
			logger.Warn("Skipping malformed presence record",
				logger.String("userId", key),
				logger.ErrorField(err))
			continue
		}
		participants = append(participants, model.Participant{UserID: key, PresenceRecord: rec})
	}

	sort.Slice(participants, func(i, j int) bool {
		a, b := participants[i], participants[j]
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return a.UserID < b.UserID
	})
	return participants
}

// Equal reports whether two reduced participant lists are identical.
func Equal(a, b []model.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// FindDJ returns the authoritative DJ: the earliest joined participant
// claiming the role, ties broken by user id.
func FindDJ(participants []model.Participant) (model.Participant, bool) {
	var (
		dj    model.Participant
		found bool
	)
	for _, p := range participants {
		if !p.IsDJ {
			continue
		}
		if !found || p.JoinedAt < dj.JoinedAt || (p.JoinedAt == dj.JoinedAt && p.UserID < dj.UserID) {
			dj = p
			found = true
		}
	}
	return dj, found
}
