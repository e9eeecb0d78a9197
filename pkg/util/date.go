package util

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates unix seconds from unix milliseconds.
const epochMillisThreshold = 1e11

// maxEpochMillis is 9999-12-31T23:59:59.999Z, the last instant RFC3339 can encode.
const maxEpochMillis = 253402300799999

var layouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02",
}

// ParseTime tries the known layouts, then unix seconds/milliseconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return inRange(t.UTC())
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ParseEpoch(f)
	}
	return time.Time{}, false
}

// ParseEpoch interprets v as unix seconds, or milliseconds when it is large enough.
// Values past year 9999 are rejected.
func ParseEpoch(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v > maxEpochMillis {
		return time.Time{}, false
	}
	if v > epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// inRange keeps t only when its year is one time.Time.MarshalJSON accepts.
func inRange(t time.Time) (time.Time, bool) {
	if y := t.Year(); y < 0 || y > 9999 {
		return time.Time{}, false
	}
	return t, true
}
