package ratelimit

import "time"

// The three fixed windows every request is checked against. All are aligned
// to wall-clock boundaries in UTC, so a minute window rolls at :00 seconds
// and the day window at midnight UTC.
const (
	windowMinute = iota
	windowHour
	windowDay
	windowCount
)

var windowNames = [windowCount]string{"minute", "hour", "day"}

// windowStart returns the unix second the window containing t begins at.
func windowStart(w int, t time.Time) int64 {
	t = t.UTC()
	switch w {
	case windowMinute:
		return t.Truncate(time.Minute).Unix()
	case windowHour:
		return t.Truncate(time.Hour).Unix()
	default:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
	}
}

// windowLength returns the window duration in seconds.
func windowLength(w int) int64 {
	switch w {
	case windowMinute:
		return 60
	case windowHour:
		return 3600
	default:
		return 86400
	}
}

// windowReset returns the unix second the window containing t rolls over.
func windowReset(w int, t time.Time) int64 {
	return windowStart(w, t) + windowLength(w)
}
