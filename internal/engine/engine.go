// Package engine is the per-symbol coordinator. It owns every symbol's
// aggregators, candle histories and StateSnapshot behind one mutex per
// symbol, runs analysis as a single locked step per bar close, and pushes
// network work (reconciliation, gap backfill) to the worker pool so no
// fetch ever happens under a symbol lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"flowscanner/internal/dedup"
	"flowscanner/internal/indicator"
	"flowscanner/internal/marketdata/agg"
	"flowscanner/internal/marketdata/replay"
	"flowscanner/internal/metrics"
	"flowscanner/internal/model"
	"flowscanner/internal/pattern"
	"flowscanner/internal/regime"
	"flowscanner/internal/scoring"
	"flowscanner/internal/statemachine"
	"flowscanner/internal/workerpool"
)

// ErrUnknownSymbol is returned for a symbol the engine does not track.
var ErrUnknownSymbol = errors.New("engine: unknown symbol")

// Timeframes are the three analysis contexts.
type Timeframes struct {
	Execution  time.Duration
	Primary    time.Duration
	Permission time.Duration
}

// Config is the resolved engine configuration.
type Config struct {
	Symbols    []string
	Timeframes Timeframes

	HistoryCapacity  int
	SeedBars         int
	GapThreshold     time.Duration
	BackfillHold     int // live trades held per venue during a backfill; 0 means 100000
	SnapshotInterval time.Duration
	LogInterval      time.Duration // per-symbol analysis log throttle
	DedupCapacity    int

	Indicator indicator.Params
	Regime    regime.Thresholds
	Pattern   pattern.Thresholds
}

// Deps are the engine's collaborators. Pool and Metrics may be nil: a nil
// pool runs tasks inline, nil metrics register on a private registry.
type Deps struct {
	MarketData model.MarketData
	Sink       model.Sink
	Pool       *workerpool.Pool
	Metrics    *metrics.Metrics
	Policy     statemachine.Policy
	Scorer     scoring.Scorer
	Log        zerolog.Logger
	Now        func() time.Time
}

// SymbolState is everything the engine keeps for one symbol. It is only
// reachable through WithLock.
type SymbolState struct {
	Symbol string
	Spot   *agg.Aggregator
	Perp   *agg.Aggregator
	Snap   *model.StateSnapshot

	// LastEvaluatedMs is the primary bar whose transitions last ran.
	// Re-analysis of an older or equal bar only re-gates alerts.
	LastEvaluatedMs int64

	lastTradeMs map[model.Venue]int64         // newest ingested trade per venue
	holds       map[model.Venue]*backfillHold // venues with a pending backfill
}

// backfillHold parks one venue's live trades while its gap is replayed.
type backfillHold struct {
	afterMs int64 // newest trade ingested before the gap
	live    []model.Trade
}

// Aggregator returns the aggregator of venue v.
func (s *SymbolState) Aggregator(v model.Venue) *agg.Aggregator {
	if v == model.VenuePerp {
		return s.Perp
	}
	return s.Spot
}

type handle struct {
	mu sync.Mutex
	st SymbolState
}

// Engine coordinates every tracked symbol.
type Engine struct {
	cfg  Config
	tfs  []time.Duration
	md   model.MarketData
	sink model.Sink
	pool *workerpool.Pool
	m    *metrics.Metrics
	log  zerolog.Logger
	now  func() time.Time

	machine   *statemachine.Machine
	scorer    scoring.Scorer
	executor  statemachine.Executor
	detectors *pattern.Engine
	dedup     *dedup.Set
	replayer  *replay.Replayer
	live      *agg.Liveness
	throttle  *logThrottle

	handles   map[string]*handle // fixed after New
	lastTrade map[model.Venue]*atomic.Int64

	// OnTransition observes every state change after the symbol lock is
	// released, e.g. for the journal.
	OnTransition func(statemachine.Transition)
}

// New builds an engine with one locked handle per configured symbol.
func New(cfg Config, d Deps) (*Engine, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("engine: no symbols")
	}
	if d.MarketData == nil || d.Sink == nil {
		return nil, errors.New("engine: market data and sink are required")
	}
	tf := cfg.Timeframes
	if tf.Execution <= 0 || tf.Primary <= 0 || tf.Permission <= 0 {
		return nil, fmt.Errorf("engine: invalid timeframes %+v", tf)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	cfg.Pattern.MinATRPercentile = cfg.Regime.MinATRPercentile

	e := &Engine{
		cfg:       cfg,
		tfs:       uniqueTimeframes(tf.Execution, tf.Primary, tf.Permission),
		md:        d.MarketData,
		sink:      d.Sink,
		pool:      d.Pool,
		m:         d.Metrics,
		log:       d.Log,
		now:       d.Now,
		machine:   statemachine.New(d.Policy),
		scorer:    d.Scorer,
		executor:  statemachine.Executor{Scorer: d.Scorer, SlopeZ: cfg.Regime.SlopeZ},
		detectors: pattern.NewEngine(),
		dedup:     dedup.New(cfg.DedupCapacity),
		replayer:  replay.New(d.MarketData, d.Log),
		throttle:  newLogThrottle(cfg.LogInterval),
		handles:   make(map[string]*handle, len(cfg.Symbols)),
		lastTrade: make(map[model.Venue]*atomic.Int64, len(model.Venues)),
	}
	e.live = agg.NewLiveness(time.Second, d.Sink.OnLivenessTick)
	e.live.Now = d.Now
	for _, v := range model.Venues {
		e.lastTrade[v] = new(atomic.Int64)
	}

	for _, sym := range cfg.Symbols {
		if _, dup := e.handles[sym]; dup {
			return nil, fmt.Errorf("engine: duplicate symbol %s", sym)
		}
		h := &handle{st: SymbolState{
			Symbol: sym,
			Spot:   e.newAggregator(sym, model.VenueSpot),
			Perp:   e.newAggregator(sym, model.VenuePerp),
			Snap:   model.NewStateSnapshot(sym, d.Policy.Initial),

			lastTradeMs: make(map[model.Venue]int64, len(model.Venues)),
			holds:       make(map[model.Venue]*backfillHold, len(model.Venues)),
		}}
		e.handles[sym] = h
		e.m.SymbolState.WithLabelValues(sym).Set(metrics.StateValue(d.Policy.Initial))
	}
	return e, nil
}

func (e *Engine) newAggregator(symbol string, v model.Venue) *agg.Aggregator {
	a := agg.New(symbol, v, e.tfs, e.cfg.HistoryCapacity)
	a.OnDroppedTrade = func(reason string) {
		e.m.TradesDropped.WithLabelValues(string(v), reason).Inc()
	}
	return a
}

func uniqueTimeframes(tfs ...time.Duration) []time.Duration {
	var out []time.Duration
	for _, tf := range tfs {
		seen := false
		for _, o := range out {
			seen = seen || o == tf
		}
		if !seen {
			out = append(out, tf)
		}
	}
	return out
}

// Symbols returns the tracked symbols in configuration order.
func (e *Engine) Symbols() []string { return e.cfg.Symbols }

// WithLock runs fn with exclusive access to symbol's state. A panic in fn
// is recovered, logged and returned as an error so other symbols keep
// running.
func (e *Engine) WithLock(symbol string, fn func(*SymbolState) error) (err error) {
	h, ok := e.handles[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.m.SymbolPanics.Inc()
			e.log.Error().Str("symbol", symbol).Interface("panic", r).Msg("recovered panic in symbol processing")
			err = fmt.Errorf("engine: %s: panic: %v", symbol, r)
		}
	}()
	return fn(&h.st)
}

// Snapshots copies every symbol's StateSnapshot, each under its own lock.
func (e *Engine) Snapshots() map[string]model.StateSnapshot {
	out := make(map[string]model.StateSnapshot, len(e.handles))
	for _, sym := range e.cfg.Symbols {
		_ = e.WithLock(sym, func(st *SymbolState) error {
			out[sym] = st.Snap.Clone()
			return nil
		})
	}
	return out
}

// Snapshot copies one symbol's StateSnapshot.
func (e *Engine) Snapshot(symbol string) (model.StateSnapshot, error) {
	var snap model.StateSnapshot
	err := e.WithLock(symbol, func(st *SymbolState) error {
		snap = st.Snap.Clone()
		return nil
	})
	return snap, err
}

// ErrUnknownSeries is returned for a timeframe the engine does not track.
var ErrUnknownSeries = errors.New("engine: timeframe not tracked")

// Candles copies up to limit of the newest closed bars of one series,
// oldest first. The forming bar is appended when withOpen is set.
func (e *Engine) Candles(symbol string, v model.Venue, tf time.Duration, limit int, withOpen bool) ([]model.Candle, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("engine: unknown venue %q", v)
	}
	var out []model.Candle
	err := e.WithLock(symbol, func(st *SymbolState) error {
		s := st.Aggregator(v).Series(tf)
		if s == nil {
			return ErrUnknownSeries
		}
		bars := s.History().View()
		if limit > 0 && len(bars) > limit {
			bars = bars[len(bars)-limit:]
		}
		out = append(make([]model.Candle, 0, len(bars)+1), bars...)
		if c, ok := s.Open(); ok && withOpen {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// LastTrade returns when the newest trade of venue v was ingested.
func (e *Engine) LastTrade(v model.Venue) time.Time {
	c, ok := e.lastTrade[v]
	if !ok || c.Load() == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.Load())
}

// Run pushes state snapshots to the sink every SnapshotInterval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.SnapshotInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snaps := e.Snapshots()
			for sym, s := range snaps {
				e.m.SymbolState.WithLabelValues(sym).Set(metrics.StateValue(s.State))
			}
			if e.pool != nil {
				e.m.PoolQueueDepth.Set(float64(e.pool.QueueDepth()))
			}
			e.sink.OnStateSnapshot(snaps)
		}
	}
}

// logThrottle allows at most one analysis log line per symbol per interval.
type logThrottle struct {
	mu     sync.Mutex
	every  time.Duration
	logged map[string]time.Time
}

func newLogThrottle(every time.Duration) *logThrottle {
	return &logThrottle{every: every, logged: make(map[string]time.Time)}
}

func (l *logThrottle) allow(symbol string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.logged[symbol]; ok && now.Sub(last) < l.every {
		return false
	}
	l.logged[symbol] = now
	return true
}
