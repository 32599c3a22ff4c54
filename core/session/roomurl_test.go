package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomURL(t *testing.T) {
	tests := []struct {
		raw  string
		slug string
		dj   bool
	}{
		{"http://localhost:5173/room/happy-fox-42?dj=true", "happy-fox-42", true},
		{"https://rooms.example.com/room/happy-fox-42", "happy-fox-42", false},
		{"https://rooms.example.com/room/happy-fox-42/?dj=false", "happy-fox-42", false},
		{"happy-fox-42", "happy-fox-42", false},
		{"happy-fox-42?dj=true", "happy-fox-42", true},
	}
	for _, tt := range tests {
		slug, dj, err := ParseRoomURL(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.slug, slug, tt.raw)
		assert.Equal(t, tt.dj, dj, tt.raw)
	}
}

func TestParseRoomURL_Errors(t *testing.T) {
	for _, raw := range []string{"", "   ", "http://host/", "http://host"} {
		_, _, err := ParseRoomURL(raw)
		assert.Error(t, err, raw)
	}
}

func TestRoomLink(t *testing.T) {
	assert.Equal(t, "http://host/room/abc?dj=true", RoomLink("http://host/", "abc", true))
	assert.Equal(t, "http://host/room/abc", RoomLink("http://host", "abc", false))

	slug, dj, err := ParseRoomURL(RoomLink("http://host", "abc", true))
	require.NoError(t, err)
	assert.Equal(t, "abc", slug)
	assert.True(t, dj)
}
