// Package agg buckets normalized trades into fixed-interval OHLCV candles.
//
// A Series owns one (symbol, venue, timeframe) key: at most one open candle
// plus a bounded history of closed ones. An Aggregator groups the series of
// one venue of one symbol, so spot and perp never share candle state.
// Neither type locks; the engine serializes access per symbol.
package agg

import (
	"errors"
	"fmt"
	"time"

	"flowscanner/internal/model"
	"flowscanner/internal/ringbuf"
	"flowscanner/internal/session"
)

var (
	// ErrForeignTrade is returned for a trade of another symbol or venue.
	ErrForeignTrade = errors.New("agg: trade does not belong to this aggregator")
	// ErrLateTrade is returned for a trade older than the open bucket.
	ErrLateTrade = errors.New("agg: trade older than open bucket")
)

// Series aggregates one (symbol, venue, timeframe) key.
type Series struct {
	Symbol    string
	Venue     model.Venue
	Timeframe time.Duration

	open    model.Candle
	hasOpen bool
	history *ringbuf.Ring

	// Trade time span of the open candle. A trade inside the bucket but
	// older than lastMs widens it without moving the close.
	firstMs, lastMs int64
}

// NewSeries creates a series whose history keeps at most capacity closed candles.
func NewSeries(symbol string, venue model.Venue, tf time.Duration, capacity int) *Series {
	return &Series{
		Symbol:    symbol,
		Venue:     venue,
		Timeframe: tf,
		history:   ringbuf.New(capacity),
	}
}

// Ingest folds t into the series. When t starts a new bucket the open
// candle is closed, pushed to history and returned with ok=true.
//
// Open and Close follow trade time, not arrival order: an out-of-order
// trade in the open bucket adds to high, low, volume and delta, and only
// becomes the open or close when it is the earliest or newest trade seen.
func (s *Series) Ingest(t model.Trade) (closed model.Candle, ok bool, err error) {
	if t.Symbol != s.Symbol || t.Venue != s.Venue {
		return model.Candle{}, false, ErrForeignTrade
	}
	bucket := session.Bucket(t.TimestampMs, s.Timeframe)

	if s.hasOpen && bucket < s.open.OpenTimeMs {
		return model.Candle{}, false, ErrLateTrade
	}
	if !s.hasOpen {
		if last := s.history.Last(); last != nil && bucket <= last.OpenTimeMs {
			return model.Candle{}, false, ErrLateTrade
		}
	}

	if s.hasOpen && bucket != s.open.OpenTimeMs {
		closed = s.open
		closed.Closed = true
		s.history.Push(closed)
		ok = true
		s.hasOpen = false
	}

	if !s.hasOpen {
		s.open = model.Candle{
			Symbol:     s.Symbol,
			Venue:      s.Venue,
			Timeframe:  s.Timeframe,
			OpenTimeMs: bucket,
			Open:       t.Price,
			High:       t.Price,
			Low:        t.Price,
			Close:      t.Price,
		}
		s.hasOpen = true
		s.firstMs, s.lastMs = t.TimestampMs, t.TimestampMs
	}

	c := &s.open
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	if t.TimestampMs >= s.lastMs {
		c.Close = t.Price
		s.lastMs = t.TimestampMs
	}
	if t.TimestampMs < s.firstMs {
		c.Open = t.Price
		s.firstMs = t.TimestampMs
	}
	c.Volume += t.Qty
	c.FlowDelta += t.Delta()
	return closed, ok, nil
}

// Open returns a copy of the open candle, if any.
func (s *Series) Open() (model.Candle, bool) {
	return s.open, s.hasOpen
}

// History returns the closed-candle ring.
func (s *Series) History() *ringbuf.Ring { return s.history }

// Seed replaces the history with already-closed bars (oldest first) and
// drops any open candle that the seed overtakes.
func (s *Series) Seed(bars []model.Candle) {
	s.history.Reset(bars)
	if last := s.history.Last(); last != nil && s.hasOpen && s.open.OpenTimeMs <= last.OpenTimeMs {
		s.hasOpen = false
	}
}

// Key renders the series key for logs and metrics labels.
func (s *Series) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.Symbol, s.Venue, s.Timeframe)
}

// Closed pairs a freshly closed candle with the series that produced it.
type Closed struct {
	Series *Series
	Candle model.Candle
}

// Aggregator owns every timeframe series of one venue of one symbol.
type Aggregator struct {
	symbol string
	venue  model.Venue
	series []*Series

	// Metrics hooks (optional, set externally)
	OnDroppedTrade func(reason string)
}

// New creates an aggregator for symbol/venue over the given timeframes.
func New(symbol string, venue model.Venue, tfs []time.Duration, capacity int) *Aggregator {
	a := &Aggregator{symbol: symbol, venue: venue}
	for _, tf := range tfs {
		a.series = append(a.series, NewSeries(symbol, venue, tf, capacity))
	}
	return a
}

// Venue returns the venue this aggregator accepts.
func (a *Aggregator) Venue() model.Venue { return a.venue }

// Series returns the series for tf, or nil.
func (a *Aggregator) Series(tf time.Duration) *Series {
	for _, s := range a.series {
		if s.Timeframe == tf {
			return s
		}
	}
	return nil
}

// Ingest routes t to every timeframe and returns the candles it closed.
// A trade late for one timeframe may still be current for a wider one;
// ErrLateTrade is returned only when no series accepted it.
func (a *Aggregator) Ingest(t model.Trade) ([]Closed, error) {
	if t.Symbol != a.symbol || t.Venue != a.venue {
		a.drop("foreign")
		return nil, ErrForeignTrade
	}

	var out []Closed
	accepted := 0
	for _, s := range a.series {
		c, ok, err := s.Ingest(t)
		if err != nil {
			continue
		}
		accepted++
		if ok {
			out = append(out, Closed{Series: s, Candle: c})
		}
	}
	if accepted == 0 {
		a.drop("late")
		return nil, ErrLateTrade
	}
	return out, nil
}

func (a *Aggregator) drop(reason string) {
	if a.OnDroppedTrade != nil {
		a.OnDroppedTrade(reason)
	}
}
