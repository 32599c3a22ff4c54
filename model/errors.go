package model

import "errors"

var (
	// ErrConnection means the room channel could not subscribe.
	ErrConnection = errors.New("room channel connection failed")
	// ErrUpload means object storage rejected or failed a write.
	ErrUpload = errors.New("upload failed")
	// ErrPlayback means the media player reported a load or decode error.
	ErrPlayback = errors.New("playback failed")
	// ErrMissingTrack means a command referenced a track that is absent
	// from the local playlist or has no url yet.
	ErrMissingTrack = errors.New("track not found or not playable")
	ErrNotDJ        = errors.New("only the DJ can control playback")
	ErrNotConnected = errors.New("not connected to room")
	ErrInvalidTrack = errors.New("invalid track file")
)
