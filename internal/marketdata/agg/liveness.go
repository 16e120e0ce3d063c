package agg

import (
	"sync"
	"time"
)

// Liveness throttles feed-alive notifications: at most one per interval,
// except that a candle close always notifies immediately. One Liveness is
// shared by every symbol, so it carries its own lock. emit runs on the
// caller's goroutine; call Touch with no symbol lock held.
type Liveness struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
	emit     func()

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewLiveness creates a throttle calling emit at most once per interval.
func NewLiveness(interval time.Duration, emit func()) *Liveness {
	return &Liveness{interval: interval, emit: emit, Now: time.Now}
}

// Touch records activity. closed marks that a candle just closed.
func (l *Liveness) Touch(closed bool) {
	l.mu.Lock()
	now := l.Now()
	fire := closed || l.last.IsZero() || now.Sub(l.last) >= l.interval
	if fire {
		l.last = now
	}
	l.mu.Unlock()

	if fire && l.emit != nil {
		l.emit()
	}
}
