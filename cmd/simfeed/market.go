package main

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"flowscanner/internal/marketdata/agg"
	"flowscanner/internal/model"
	"flowscanner/internal/session"
)

// simSymbol holds per-symbol simulation state. trades holds both venues,
// time-ordered.
type simSymbol struct {
	symbol string
	spot   float64
	basis  float64 // perp premium over spot, as a fraction
	drift  float64 // current taker-side lean in [-1, 1]
	trades []model.Trade
}

// market is a two-venue random-walk simulator that keeps a bounded trade
// history for the REST endpoints.
type market struct {
	mu        sync.RWMutex
	symbols   map[string]*simSymbol
	retention time.Duration
	rng       *rand.Rand
}

var startPrices = map[string]float64{
	"BTCUSDT": 64000,
	"ETHUSDT": 3200,
	"SOLUSDT": 150,
}

func newMarket(symbols []string, retention time.Duration, seed uint64) *market {
	m := &market{
		symbols:   make(map[string]*simSymbol, len(symbols)),
		retention: retention,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for _, s := range symbols {
		p := startPrices[s]
		if p == 0 {
			p = 100
		}
		m.symbols[s] = &simSymbol{symbol: s, spot: p, basis: 0.0004}
	}
	return m
}

// backfill generates sparse history from now-span up to now, one step per
// interval, so the scanner has bars to seed from.
func (m *market) backfill(now time.Time, span, interval time.Duration) {
	for ts := now.Add(-span); ts.Before(now); ts = ts.Add(interval) {
		m.step(ts, 1)
	}
}

// step advances every symbol by one tick at ts and returns the new trades,
// perTick per venue per symbol.
func (m *market) step(ts time.Time, perTick int) []model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Trade
	ms := ts.UnixMilli()
	for _, s := range m.sortedSymbols() {
		sym := m.symbols[s]
		// Slowly wandering flow lean, occasionally flipped to produce regime changes.
		sym.drift = clamp(sym.drift*0.98+m.rng.NormFloat64()*0.08, -1, 1)
		if m.rng.Float64() < 0.002 {
			sym.drift = -sym.drift
		}
		for i := 0; i < perTick; i++ {
			ret := m.rng.NormFloat64()*0.0006 + sym.drift*0.0002
			sym.spot = math.Max(sym.spot*(1+ret), 0.01)
			sym.basis = clamp(sym.basis+m.rng.NormFloat64()*0.00005, -0.003, 0.003)

			for _, v := range model.Venues {
				price := sym.spot
				lean := sym.drift
				if v == model.VenuePerp {
					price *= 1 + sym.basis
					lean = clamp(lean*1.3+m.rng.NormFloat64()*0.2, -1, 1)
				}
				side := model.SideSell
				if m.rng.Float64() < 0.5+lean/2 {
					side = model.SideBuy
				}
				t := model.Trade{
					Symbol:      s,
					Venue:       v,
					Price:       round(price, 4),
					Qty:         round(0.01+m.rng.ExpFloat64()*0.5, 6),
					TimestampMs: ms + int64(i),
					TakerSide:   side,
				}
				sym.trades = append(sym.trades, t)
				out = append(out, t)
			}
		}
		m.evict(sym, ms)
	}
	return out
}

func (m *market) evict(sym *simSymbol, nowMs int64) {
	cutoff := nowMs - m.retention.Milliseconds()
	i := sort.Search(len(sym.trades), func(i int) bool { return sym.trades[i].TimestampMs >= cutoff })
	if i > len(sym.trades)/2 {
		sym.trades = append(sym.trades[:0:0], sym.trades[i:]...)
	}
}

func (m *market) sortedSymbols() []string {
	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *market) has(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.symbols[symbol]
	return ok
}

// tradesBetween returns both venues' trades in [startMs, endMs].
func (m *market) tradesBetween(symbol string, startMs, endMs int64) []model.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sym, ok := m.symbols[symbol]
	if !ok {
		return nil
	}
	lo := sort.Search(len(sym.trades), func(i int) bool { return sym.trades[i].TimestampMs >= startMs })
	hi := sort.Search(len(sym.trades), func(i int) bool { return sym.trades[i].TimestampMs > endMs })
	return append([]model.Trade(nil), sym.trades[lo:hi]...)
}

// bars aggregates the venue's history into closed bars ending at or before
// endMs (0 = now), newest limit bars, oldest first.
func (m *market) bars(symbol string, v model.Venue, tf time.Duration, limit int, endMs int64, now time.Time) []model.Candle {
	if endMs == 0 || endMs > now.UnixMilli() {
		endMs = now.UnixMilli()
	}
	// Only buckets that have fully elapsed are closed.
	closeBefore := session.Bucket(endMs, tf)

	m.mu.RLock()
	sym, ok := m.symbols[symbol]
	var trades []model.Trade
	if ok {
		hi := sort.Search(len(sym.trades), func(i int) bool { return sym.trades[i].TimestampMs >= closeBefore })
		trades = sym.trades[:hi]
	}
	m.mu.RUnlock()

	series := agg.NewSeries(symbol, v, tf, limit+1)
	for _, t := range trades {
		if t.Venue != v {
			continue
		}
		series.Ingest(t)
	}
	if c, ok := series.Open(); ok {
		c.Closed = true
		series.History().Push(c)
	}

	bars := series.History().View()
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]model.Candle(nil), bars...)
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
