// Package ringbuf provides a bounded candle history. Pushing past capacity
// evicts the oldest candle. The live window is always one contiguous slice,
// so indicator code can index it directly and write derived fields in place.
//
// A Ring is not safe for concurrent use; callers hold the owning symbol's lock.
package ringbuf

import (
	"sort"

	"flowscanner/internal/model"
)

// Ring keeps the newest Cap() candles. The backing array is twice the
// capacity; when the window reaches the end it is slid back to the front,
// which keeps Push amortized O(1) without wrapping indexes.
type Ring struct {
	buf        []model.Candle
	start, end int
	capacity   int

	evicted uint64
	before  model.Candle // last candle evicted, valid when evicted > 0
}

// New creates a ring holding at most capacity candles. Minimum capacity is 2.
func New(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{
		buf:      make([]model.Candle, 2*capacity),
		capacity: capacity,
	}
}

// Push appends c, evicting the oldest candle when full.
func (r *Ring) Push(c model.Candle) {
	if r.end-r.start == r.capacity {
		r.before = r.buf[r.start]
		r.buf[r.start] = model.Candle{}
		r.start++
		r.evicted++
	}
	if r.end == len(r.buf) {
		n := copy(r.buf, r.buf[r.start:r.end])
		clear(r.buf[n:])
		r.start, r.end = 0, n
	}
	r.buf[r.end] = c
	r.end++
}

// Reset replaces the contents with the newest Cap() candles of cs.
func (r *Ring) Reset(cs []model.Candle) {
	clear(r.buf)
	r.evicted, r.before = 0, model.Candle{}
	if len(cs) > r.capacity {
		cs = cs[len(cs)-r.capacity:]
	}
	r.start, r.end = 0, copy(r.buf, cs)
}

// View returns the live window, oldest first. The slice aliases the ring:
// writes through it persist, and it is invalidated by the next Push or Reset.
func (r *Ring) View() []model.Candle {
	return r.buf[r.start:r.end:r.end]
}

// Len returns the number of candles held.
func (r *Ring) Len() int { return r.end - r.start }

// Cap returns the maximum number of candles held.
func (r *Ring) Cap() int { return r.capacity }

// Evicted returns how many candles have been dropped off the front.
func (r *Ring) Evicted() uint64 { return r.evicted }

// Before returns the candle evicted just ahead of View()[0], or nil when
// nothing has been evicted since the last Reset. It must not be modified.
func (r *Ring) Before() *model.Candle {
	if r.evicted == 0 {
		return nil
	}
	return &r.before
}

// Last returns a pointer to the newest candle, or nil when empty.
func (r *Ring) Last() *model.Candle {
	if r.end == r.start {
		return nil
	}
	return &r.buf[r.end-1]
}

// IndexOf returns the view index of the candle opened at openTimeMs, or -1.
// Candles are ordered by open time, so this is a binary search.
func (r *Ring) IndexOf(openTimeMs int64) int {
	v := r.View()
	i := sort.Search(len(v), func(i int) bool { return v[i].OpenTimeMs >= openTimeMs })
	if i < len(v) && v[i].OpenTimeMs == openTimeMs {
		return i
	}
	return -1
}
