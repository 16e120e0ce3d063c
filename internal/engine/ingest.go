package engine

import (
	"context"
	"fmt"

	"flowscanner/internal/indicator"
	"flowscanner/internal/marketdata/agg"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/metrics"
	"flowscanner/internal/model"
	"flowscanner/internal/statemachine"
	"flowscanner/internal/workerpool"
)

// effects collects what a locked step produced. They are published only
// after the lock is released.
type effects struct {
	alerts      []*model.Alert
	transitions []statemachine.Transition
	tasks       []workerpool.Task
	ingested    bool // at least one trade reached an aggregator
	closed      bool // at least one candle closed
}

// OnTrade ingests one normalized trade. Bar closes update indicators and,
// on the spot venue, drive permission, primary analysis and execution.
// Sink calls and reconciliation tasks follow once the lock is released.
//
// While a gap backfill is pending for the trade's venue the trade is held
// and ingested after the backfilled ones.
func (e *Engine) OnTrade(t model.Trade) error {
	if err := e.admit(t); err != nil {
		return err
	}
	e.lastTrade[t.Venue].Store(t.TimestampMs)

	var eff effects
	err := e.WithLock(t.Symbol, func(st *SymbolState) error {
		if h := st.holds[t.Venue]; h != nil {
			if len(h.live) < e.holdLimit() {
				h.live = append(h.live, t)
				return nil
			}
			e.m.Backfills.WithLabelValues("abandoned").Inc()
			e.log.Warn().Str("symbol", st.Symbol).Str("venue", string(t.Venue)).Int("held", len(h.live)).
				Msg("backfill too slow, releasing held trades")
			e.release(st, t.Venue, nil, &eff)
		}
		return e.ingest(st, t, &eff)
	})
	e.publish(t.Symbol, &eff)
	return err
}

// admit validates t before any lock is taken.
func (e *Engine) admit(t model.Trade) error {
	if err := t.Validate(); err != nil {
		e.m.TradesDropped.WithLabelValues(string(t.Venue), "invalid").Inc()
		return fmt.Errorf("%w: %v", normalize.ErrMalformed, err)
	}
	if _, ok := e.handles[t.Symbol]; !ok {
		e.m.TradesDropped.WithLabelValues(string(t.Venue), "unknown_symbol").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, t.Symbol)
	}
	return nil
}

// ingest is the locked live path for one trade.
func (e *Engine) ingest(st *SymbolState, t model.Trade, eff *effects) error {
	closes, err := st.Aggregator(t.Venue).Ingest(t)
	if err != nil {
		return err
	}
	e.m.TradesTotal.WithLabelValues(string(t.Venue)).Inc()
	if t.TimestampMs > st.lastTradeMs[t.Venue] {
		st.lastTradeMs[t.Venue] = t.TimestampMs
	}
	eff.ingested = true
	eff.closed = eff.closed || len(closes) > 0
	for _, cl := range closes {
		e.closeBar(st, cl, eff)
	}
	if t.Venue == model.VenueSpot && len(closes) > 0 {
		e.onSpotCloses(st, closes, eff)
	}
	return nil
}

// closeBar runs the indicator tail update on a just-closed candle and
// queues its reconciliation.
func (e *Engine) closeBar(st *SymbolState, cl agg.Closed, eff *effects) {
	s := cl.Series
	if indicator.TailAfter(s.History().Before(), s.History().View(), e.cfg.Indicator) {
		e.m.FullRecomputes.Inc()
		e.log.Warn().Str("series", s.Key()).Msg("indicator chain corrupted, recomputed full history")
	}
	e.m.CandlesClosed.WithLabelValues(string(s.Venue), s.Timeframe.String()).Inc()
	eff.tasks = append(eff.tasks, e.reconcileTask(st.Symbol, s.Venue, s.Timeframe, cl.Candle.OpenTimeMs))
}

// onSpotCloses runs the timeframe contexts in dependency order: permission
// first so a primary promotion sees the fresh gate, execution last so it
// sees a promotion made on the same trade.
func (e *Engine) onSpotCloses(st *SymbolState, closes []agg.Closed, eff *effects) {
	closedAt := make(map[int64]int64, len(closes)) // timeframe ns -> open time
	for _, cl := range closes {
		closedAt[int64(cl.Series.Timeframe)] = cl.Candle.OpenTimeMs
	}
	tf := e.cfg.Timeframes
	if _, ok := closedAt[int64(tf.Permission)]; ok {
		e.refreshPermission(st)
	}
	if ms, ok := closedAt[int64(tf.Primary)]; ok {
		e.analyzePrimary(st, ms, eff)
	}
	if ms, ok := closedAt[int64(tf.Execution)]; ok {
		e.runExecution(st, ms, eff)
	}
}

func (e *Engine) refreshPermission(st *SymbolState) {
	bars := st.Spot.Series(e.cfg.Timeframes.Permission).History().View()
	st.Snap.Permission = statemachine.ComputePermission(bars, e.cfg.Indicator, e.now().UnixMilli())
}

// publish delivers effects outside any symbol lock.
func (e *Engine) publish(symbol string, eff *effects) {
	if eff.ingested {
		e.live.Touch(eff.closed)
	}
	for _, t := range eff.transitions {
		e.m.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
		e.m.SymbolState.WithLabelValues(symbol).Set(metrics.StateValue(t.To))
		e.log.Info().Str("symbol", symbol).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Str("reason", t.Reason).
			Msg("state transition")
		if e.OnTransition != nil {
			e.OnTransition(t)
		}
	}
	for _, a := range eff.alerts {
		e.m.AlertsEmitted.WithLabelValues(string(a.Pattern)).Inc()
		e.log.Info().Str("symbol", a.Symbol).
			Str("pattern", string(a.Pattern)).
			Str("direction", string(a.Direction)).
			Float64("score", a.Score).
			Str("regime", string(a.Regime)).
			Int64("candle_ts", a.CandleTsMs).
			Msg("alert")
		e.sink.OnAlert(*a)
	}
	for _, t := range eff.tasks {
		e.submit(t)
	}
}

// submit hands t to the pool, or runs it inline when there is no pool.
// It reports whether the task was accepted.
func (e *Engine) submit(t workerpool.Task) bool {
	if e.pool == nil {
		_ = t.Run(context.Background())
		return true
	}
	ok := e.pool.Submit(t)
	if !ok {
		e.m.PoolDropped.Inc()
		e.log.Warn().Str("task", t.Name).Msg("worker pool full, task dropped")
	}
	e.m.PoolQueueDepth.Set(float64(e.pool.QueueDepth()))
	return ok
}
