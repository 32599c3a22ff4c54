package audio

import (
	"fmt"
	"math"
	"strings"
)

// FormatTime renders seconds as m:ss. Negative, NaN and infinite values
// render as 0:00.
func FormatTime(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return "0:00"
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatFileSize renders a byte count with two decimals, e.g. "1.5 MB".
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	const k = 1024.0
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(k)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}
	value := float64(bytes) / math.Pow(k, float64(i))
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", value), "0"), ".")
	return s + " " + sizeUnits[i]
}

// IsValidMP3 accepts audio/mpeg and audio/mp3 content types, or a .mp3 name.
func IsValidMP3(name, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "audio/mpeg" || ct == "audio/mp3" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), ".mp3")
}
