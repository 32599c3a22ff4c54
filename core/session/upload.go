package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/eschnou/sunorooms/core/audio"
	"github.com/eschnou/sunorooms/core/playlist"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

// UploadTrack validates an MP3 file, adds it to the playlist as pending,
// uploads it to object storage and announces it to the room once ready.
//
// A storage failure leaves the track in the playlist with status error.
func (s *Session) UploadTrack(ctx context.Context, name, contentType string, data []byte) (model.Track, error) {
	if s.dj == nil {
		return model.Track{}, model.ErrNotDJ
	}
	if !audio.IsValidMP3(name, contentType) {
		return model.Track{}, fmt.Errorf("%w: %s is not an mp3 file", model.ErrInvalidTrack, name)
	}
	if int64(len(data)) > s.maxUpload {
		return model.Track{}, fmt.Errorf("%w: %s is %s, limit is %s", model.ErrInvalidTrack,
			name, audio.FormatFileSize(int64(len(data))), audio.FormatFileSize(s.maxUpload))
	}
	info, err := audio.ProbeMP3(data)
	if err != nil {
		return model.Track{}, fmt.Errorf("%w: %s: %v", model.ErrInvalidTrack, name, err)
	}

	track := model.Track{
		ID:              uuid.NewString(),
		Name:            name,
		SizeBytes:       int64(len(data)),
		DurationSeconds: info.Duration,
		Status:          model.TrackPending,
	}
	s.playlist.AddTrack(track)
	s.playlist.CacheData(track.ID, playlist.CacheEntry{Data: data, ContentType: model.AudioContentType})

	logger.Info("Uploading track",
		logger.String("room", s.roomID),
		logger.String("trackId", track.ID),
		logger.String("name", name),
		logger.String("size", audio.FormatFileSize(track.SizeBytes)),
		logger.String("duration", audio.FormatTime(track.DurationSeconds)))

	if s.store == nil {
		return s.failUpload(track, errors.New("no object storage configured"))
	}

	path := track.ID + model.AudioExtension
	if err := s.store.Upload(ctx, path, data, model.AudioContentType); err != nil {
		return s.failUpload(track, err)
	}

	url := s.store.PublicURL(path)
	s.playlist.Complete(track.ID, url)
	s.playlist.CacheData(track.ID, playlist.CacheEntry{SourceURL: url})
	ready, _ := s.playlist.Get(track.ID)

	if err := s.conn.Send(ctx, model.EventTrackAdded, ready); err != nil {
		return ready, fmt.Errorf("announce track: %w", err)
	}

	logger.Info("Track uploaded",
		logger.String("room", s.roomID),
		logger.String("trackId", ready.ID),
		logger.String("url", url),
		logger.Int("playlist", s.playlist.Len()))
	return ready, nil
}

func (s *Session) failUpload(track model.Track, cause error) (model.Track, error) {
	s.playlist.UpdateStatus(track.ID, model.TrackError)
	err := fmt.Errorf("%w: %s: %v", model.ErrUpload, track.Name, cause)
	s.notify(Notice{Kind: NoticeUpload, TrackID: track.ID, Err: err})

	failed, _ := s.playlist.Get(track.ID)
	return failed, err
}
