// Package session holds the time arithmetic shared by bucketing and the
// session VWAP. Crypto trades around the clock, so the only session
// boundary is UTC midnight.
package session

import (
	"fmt"
	"time"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// Bucket returns the open time of the timeframe bucket containing tsMs:
// floor(ts / tf) * tf.
func Bucket(tsMs int64, tf time.Duration) int64 {
	tfMs := tf.Milliseconds()
	if tfMs <= 0 {
		return tsMs
	}
	b := tsMs / tfMs * tfMs
	if tsMs < 0 && tsMs%tfMs != 0 {
		b -= tfMs
	}
	return b
}

// DayStart returns the UTC midnight at or before tsMs.
func DayStart(tsMs int64) int64 {
	return Bucket(tsMs, 24*time.Hour)
}

// SameDay reports whether both timestamps fall in one UTC session.
func SameDay(aMs, bMs int64) bool {
	return DayStart(aMs) == DayStart(bMs)
}

// NextDay returns the next UTC midnight strictly after tsMs.
func NextDay(tsMs int64) int64 {
	return DayStart(tsMs) + dayMs
}

// TimeUntilReset returns how long until the session VWAP resets.
func TimeUntilReset(t time.Time) time.Duration {
	return time.UnixMilli(NextDay(t.UnixMilli())).Sub(t)
}

// StatusString is a short human-readable session status for logs.
func StatusString(t time.Time) string {
	d := TimeUntilReset(t).Round(time.Minute)
	return fmt.Sprintf("session %s (reset in %dh%02dm)",
		t.UTC().Format("2006-01-02"), int(d.Hours()), int(d.Minutes())%60)
}
