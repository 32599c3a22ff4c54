package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParseRoomURL extracts the room slug and the DJ flag from a room link such
// as http://host/room/<slug>?dj=true. A bare slug is accepted as well.
func ParseRoomURL(raw string) (slug string, isDJ bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("empty room url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse room url: %w", err)
	}

	path := strings.Trim(u.Path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if path == "" {
		return "", false, fmt.Errorf("no room slug in %q", raw)
	}
	return path, u.Query().Get("dj") == "true", nil
}

// RoomLink builds the shareable link for a room.
func RoomLink(baseURL, slug string, isDJ bool) string {
	link := strings.TrimRight(baseURL, "/") + "/room/" + url.PathEscape(slug)
	if isDJ {
		link += "?dj=true"
	}
	return link
}
