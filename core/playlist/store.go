package playlist

import (
	"sync"

	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// CacheEntry holds already downloaded bytes for a track so they are not
// fetched twice.
type CacheEntry struct {
	Data        []byte
	ContentType string
	SourceURL   string
}

// merge copies the non-zero fields of patch over e.
func (e CacheEntry) merge(patch CacheEntry) CacheEntry {
	if patch.Data != nil {
		e.Data = patch.Data
	}
	if patch.ContentType != "" {
		e.ContentType = patch.ContentType
	}
	if patch.SourceURL != "" {
		e.SourceURL = patch.SourceURL
	}
	return e
}

// Store is the per-client mirror of a room playlist. Tracks are kept in
// arrival order and deduplicated by id.
type Store struct {
	mu     sync.RWMutex
	tracks []model.Track
	index  map[string]int
	cache  map[string]CacheEntry
}

// NewStore returns an empty playlist.
func NewStore() *Store {
	return &Store{
		index: make(map[string]int),
		cache: make(map[string]CacheEntry),
	}
}

// AddTrack appends t unless a track with the same id already exists.
// It reports whether the track was added.
func (s *Store) AddTrack(t model.Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[t.ID]; ok {
		return false
	}
	if t.Status == "" {
		t.Status = model.TrackPending
	}
	s.index[t.ID] = len(s.tracks)
	s.tracks = append(s.tracks, t)

	logger.Debug("Track added to playlist",
		logger.String("trackId", t.ID),
		logger.String("name", t.Name),
		logger.Int("size", len(s.tracks)))
	return true
}

// RemoveTrack deletes the track and its cached bytes. Unknown ids are ignored.
func (s *Store) RemoveTrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, id)

	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.tracks = append(s.tracks[:pos], s.tracks[pos+1:]...)
	s.reindex()
	return true
}

// UpdateStatus replaces only the status field of the track.
func (s *Store) UpdateStatus(id string, status model.TrackStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.tracks[pos].Status = status
	return true
}

// Complete marks a pending track ready and records its public url.
// Ready tracks are immutable so anything other than pending is left alone.
func (s *Store) Complete(id, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok || s.tracks[pos].Status != model.TrackPending {
		return false
	}
	s.tracks[pos].URL = url
	s.tracks[pos].Status = model.TrackReady
	return true
}

// CacheData merges patch into the cache entry for id, creating it if needed.
func (s *Store) CacheData(id string, patch CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[id] = s.cache[id].merge(patch)
}

// CachedData returns the cache entry for id.
func (s *Store) CachedData(id string) (CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[id]
	return e, ok
}

// CachedByURL returns the cache entry of the track currently served from url.
func (s *Store) CachedByURL(url string) ([]byte, bool) {
	t, ok := s.FindByURL(url)
	if !ok {
		return nil, false
	}
	e, ok := s.CachedData(t.ID)
	if !ok || e.Data == nil {
		return nil, false
	}
	return e.Data, true
}

// CacheByURL stores data for the track served from url. Unknown urls are
// ignored.
func (s *Store) CacheByURL(url string, data []byte) {
	t, ok := s.FindByURL(url)
	if !ok {
		return
	}
	s.CacheData(t.ID, CacheEntry{Data: data, SourceURL: url})
}

// Get returns the track with the given id.
func (s *Store) Get(id string) (model.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return model.Track{}, false
	}
	return s.tracks[pos], true
}

// FindByURL returns the first track whose url matches.
func (s *Store) FindByURL(url string) (model.Track, bool) {
	if url == "" {
		return model.Track{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tracks {
		if t.URL == url {
			return t, true
		}
	}
	return model.Track{}, false
}

// First returns the head of the playlist.
func (s *Store) First() (model.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tracks) == 0 {
		return model.Track{}, false
	}
	return s.tracks[0], true
}

// Next returns the track following id in playlist order. It returns false
// when id is the last track or is not in the playlist.
func (s *Store) Next(id string) (model.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok || pos+1 >= len(s.tracks) {
		return model.Track{}, false
	}
	return s.tracks[pos+1], true
}

// Tracks returns a copy of the playlist in order.
func (s *Store) Tracks() []model.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Len returns the number of tracks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Clear drops every track and cache entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracks = nil
	s.index = make(map[string]int)
	s.cache = make(map[string]CacheEntry)
}

// reindex must be called with mu held.
func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.tracks))
	for i, t := range s.tracks {
		s.index[t.ID] = i
	}
}
