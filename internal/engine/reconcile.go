package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"flowscanner/internal/indicator"
	"flowscanner/internal/logger"
	"flowscanner/internal/model"
	"flowscanner/internal/workerpool"
)

func (e *Engine) reconcileTask(symbol string, v model.Venue, tf time.Duration, openMs int64) workerpool.Task {
	return workerpool.Task{
		Name: fmt.Sprintf("reconcile %s:%s:%s@%d", symbol, v, tf, openMs),
		Run: func(ctx context.Context) error {
			return e.Reconcile(ctx, symbol, v, tf, openMs)
		},
	}
}

// Reconcile fetches the authoritative bar of (symbol, v, tf) outside the
// lock and, when it is the bar opened at openMs and differs from ours,
// overwrites OHLCV and flow delta and repairs the indicator chain from
// there. Repairs on the primary or execution timeframe re-run that bar's
// analysis, whose alerts go through dedup like any other.
//
// A failed fetch leaves the candle as it is; the next close reconciles again.
func (e *Engine) Reconcile(ctx context.Context, symbol string, v model.Venue, tf time.Duration, openMs int64) error {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(symbol, e.now()))
	log := logger.FromContext(ctx, e.log)

	bar, err := e.md.FetchBar(ctx, symbol, v, tf)
	if err != nil {
		e.m.Reconciliations.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("symbol", symbol).Str("venue", string(v)).Str("tf", tf.String()).
			Msg("reconciliation fetch failed, keeping live candle")
		return fmt.Errorf("reconcile %s %s %s: %w", symbol, v, tf, err)
	}
	if bar.OpenTimeMs != openMs {
		e.m.Reconciliations.WithLabelValues("skipped").Inc()
		log.Debug().Str("symbol", symbol).Int64("want", openMs).Int64("got", bar.OpenTimeMs).
			Msg("authoritative bar is for another bucket")
		return nil
	}

	result := "ok"
	var eff effects
	err = e.WithLock(symbol, func(st *SymbolState) error {
		h := st.Aggregator(v).Series(tf).History()
		i := h.IndexOf(openMs)
		if i < 0 {
			result = "skipped"
			return nil
		}
		view := h.View()
		c := &view[i]
		if sameBar(c, bar) {
			result = "unchanged"
			return nil
		}
		c.SetOHLCV(*bar)
		indicator.RepairAfter(h.Before(), view, i, e.cfg.Indicator)
		e.m.ChainRepairs.Inc()
		e.afterRepair(st, tf, openMs, &eff)
		return nil
	})
	if err != nil {
		result = "failed"
	}
	e.m.Reconciliations.WithLabelValues(result).Inc()
	e.publish(symbol, &eff)

	if result == "ok" {
		log.Debug().Str("symbol", symbol).Str("venue", string(v)).Str("tf", tf.String()).
			Int64("open_time", openMs).Int("alerts", len(eff.alerts)).
			Msg("bar reconciled")
	}
	return err
}

// afterRepair re-runs whatever consumed the repaired bar. A perp repair
// changes the regime input of the spot bar in the same bucket, so both
// venues re-run the spot analysis.
func (e *Engine) afterRepair(st *SymbolState, tf time.Duration, openMs int64, eff *effects) {
	tfs := e.cfg.Timeframes
	if tf == tfs.Permission {
		e.refreshPermission(st)
	}
	if tf == tfs.Primary {
		e.analyzePrimary(st, openMs, eff)
	}
	if tf == tfs.Execution {
		e.runExecution(st, openMs, eff)
	}
}

func sameBar(c, auth *model.Candle) bool {
	return c.Open == auth.Open && c.High == auth.High && c.Low == auth.Low &&
		c.Close == auth.Close && c.Volume == auth.Volume && c.FlowDelta == auth.FlowDelta
}

// OnReconnect is the feed's reconnect hook and runs before the new
// connection delivers any trade. When the outage exceeded the gap
// threshold, every symbol holds the venue's live trades and gets a
// backfill task replaying the missed ones.
func (e *Engine) OnReconnect(v model.Venue, lastMessage time.Time) {
	e.m.FeedReconnects.WithLabelValues(string(v)).Inc()
	if lastMessage.IsZero() {
		return
	}
	now := e.now()
	gap := now.Sub(lastMessage)
	if gap <= e.cfg.GapThreshold {
		e.log.Debug().Str("venue", string(v)).Dur("gap", gap).Msg("reconnected within threshold, no backfill")
		return
	}
	e.log.Info().Str("venue", string(v)).Dur("gap", gap).Msg("reconnected after gap, backfilling")
	for _, sym := range e.cfg.Symbols {
		_ = e.WithLock(sym, func(st *SymbolState) error {
			if st.holds[v] == nil {
				st.holds[v] = &backfillHold{afterMs: st.lastTradeMs[v]}
			}
			return nil
		})
		ok := e.submit(workerpool.Task{
			Name: fmt.Sprintf("backfill %s:%s", sym, v),
			Run: func(ctx context.Context) error {
				_, err := e.Backfill(ctx, sym, v, lastMessage, now)
				return err
			},
		})
		if !ok {
			e.m.Backfills.WithLabelValues("dropped").Inc()
			e.flush(sym, v, nil)
		}
	}
}

// Backfill fetches venue v's trades of symbol in [start, end] outside the
// lock, then, in one locked step, replays them followed by any live trades
// held meanwhile, all in timestamp order through the live ingest path. It
// returns how many backfilled trades were ingested.
//
// Backfilled trades at or before the newest trade ingested before the gap,
// or at or after the first held live trade, are already covered and
// skipped. A failed fetch still releases the held trades.
func (e *Engine) Backfill(ctx context.Context, symbol string, v model.Venue, start, end time.Time) (int, error) {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(symbol, start))
	log := logger.FromContext(ctx, e.log)

	var fetched []model.Trade
	_, err := e.replayer.Run(ctx, symbol, start, end, 0, func(t model.Trade) {
		if t.Venue == v {
			fetched = append(fetched, t)
		}
	})
	if err != nil {
		e.m.Backfills.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("symbol", symbol).Str("venue", string(v)).Msg("backfill failed")
		e.flush(symbol, v, nil)
		return 0, err
	}

	ingested, err := e.flush(symbol, v, fetched)
	if err != nil {
		e.m.Backfills.WithLabelValues("failed").Inc()
		return ingested, err
	}
	e.m.Backfills.WithLabelValues("ok").Inc()
	log.Info().Str("symbol", symbol).Str("venue", string(v)).Int("trades", ingested).
		Time("from", start).Time("to", end).Msg("backfill complete")
	return ingested, nil
}

// flush releases symbol's hold on v under the lock and publishes the result.
func (e *Engine) flush(symbol string, v model.Venue, fetched []model.Trade) (int, error) {
	var eff effects
	ingested := 0
	err := e.WithLock(symbol, func(st *SymbolState) error {
		ingested = e.release(st, v, fetched, &eff)
		return nil
	})
	e.publish(symbol, &eff)
	return ingested, err
}

// release drops the hold on venue v and ingests the fetched trades that
// fall inside the gap, then the held live trades. Must be called under
// st's lock. Without a hold (abandoned, or a direct call) the gap starts
// after the newest ingested trade.
func (e *Engine) release(st *SymbolState, v model.Venue, fetched []model.Trade, eff *effects) int {
	h := st.holds[v]
	delete(st.holds, v)
	if h == nil {
		h = &backfillHold{afterMs: st.lastTradeMs[v]}
	}

	cutoff := int64(math.MaxInt64)
	for _, t := range h.live {
		cutoff = min(cutoff, t.TimestampMs)
	}
	replay := make([]model.Trade, 0, len(fetched))
	for _, t := range fetched {
		if t.TimestampMs <= h.afterMs || t.TimestampMs >= cutoff || t.Symbol != st.Symbol {
			continue
		}
		if err := t.Validate(); err != nil {
			e.m.TradesDropped.WithLabelValues(string(v), "invalid").Inc()
			continue
		}
		replay = append(replay, t)
	}
	sort.SliceStable(replay, func(i, j int) bool { return replay[i].TimestampMs < replay[j].TimestampMs })
	sort.SliceStable(h.live, func(i, j int) bool { return h.live[i].TimestampMs < h.live[j].TimestampMs })

	ingested := 0
	for _, t := range replay {
		if e.ingest(st, t, eff) == nil {
			ingested++
		}
	}
	for _, t := range h.live {
		_ = e.ingest(st, t, eff)
	}
	return ingested
}

func (e *Engine) holdLimit() int {
	if e.cfg.BackfillHold > 0 {
		return e.cfg.BackfillHold
	}
	return 100_000
}
