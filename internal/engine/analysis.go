package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowscanner/internal/indicator"
	"flowscanner/internal/model"
	"flowscanner/internal/pattern"
	"flowscanner/internal/regime"
)

type scoredHit struct {
	pattern.Hit
	score float64
}

// analyzePrimary runs detection, scoring, the state machine and alert
// gating for the closed primary spot bar opened at barMs. Transitions run
// once per bar; a repeat pass after reconciliation only re-gates alerts.
func (e *Engine) analyzePrimary(st *SymbolState, barMs int64, eff *effects) {
	start := time.Now()
	defer func() { e.m.AnalysisDur.Observe(time.Since(start).Seconds()) }()

	hist := st.Spot.Series(e.cfg.Timeframes.Primary).History()
	i := hist.IndexOf(barMs)
	if i < 0 {
		return
	}
	bars := hist.View()[:i+1]
	cur := &bars[i]

	flow := e.flowInput(st, e.cfg.Timeframes.Primary, cur)
	r := regime.Classify(flow, e.cfg.Regime)
	hits, misses := e.detectors.Run(&pattern.Context{Bars: bars, Regime: r, Flow: flow, Th: e.cfg.Pattern})

	var passed []scoredHit
	for _, h := range hits {
		score := e.scorer.Score(h.Pattern, cur, r)
		if !e.scorer.Passes(score) {
			e.m.AlertsSuppressed.WithLabelValues("low_score").Inc()
			continue
		}
		passed = append(passed, scoredHit{Hit: h, score: score})
	}

	if barMs > st.LastEvaluatedMs {
		qualifying := make([]pattern.Hit, len(passed))
		for j, h := range passed {
			qualifying[j] = h.Hit
		}
		eff.transitions = append(eff.transitions, e.machine.Evaluate(st.Snap, barMs, qualifying)...)
		st.LastEvaluatedMs = barMs
	}

	if e.throttle.allow(st.Symbol, e.now()) {
		e.log.Debug().Str("symbol", st.Symbol).
			Int64("bar", barMs).
			Str("regime", string(r)).
			Int("hits", len(hits)).
			Int("passed", len(passed)).
			Interface("misses", misses).
			Str("state", string(st.Snap.State)).
			Msg("analysis pass")
	}

	for _, h := range passed {
		if st.Snap.State != model.StateAct {
			e.m.AlertsSuppressed.WithLabelValues("not_act").Inc()
			continue
		}
		e.stage(&model.Alert{
			Symbol:     st.Symbol,
			Pattern:    h.Pattern,
			Score:      h.score,
			Regime:     r,
			Price:      cur.Close,
			CandleTsMs: barMs,
			Direction:  st.Snap.ActDirection,
			Timeframe:  e.cfg.Timeframes.Primary,
			Message:    fmt.Sprintf("%s in %s, acting %s", h.Pattern, r, st.Snap.ActDirection),
		}, eff)
	}
}

// runExecution confirms an ACT setup on the execution bar opened at barMs.
func (e *Engine) runExecution(st *SymbolState, barMs int64, eff *effects) {
	if st.Snap.State != model.StateAct {
		return
	}
	hist := st.Spot.Series(e.cfg.Timeframes.Execution).History()
	i := hist.IndexOf(barMs)
	if i < 0 {
		return
	}
	bars := hist.View()[:i+1]
	flow := e.flowInput(st, e.cfg.Timeframes.Execution, &bars[i])
	r := regime.Classify(flow, e.cfg.Regime)

	a, why := e.executor.Execute(bars, st.Snap, flow, r)
	if a == nil {
		e.log.Debug().Str("symbol", st.Symbol).Str("reason", why).Msg("no execution")
		return
	}
	e.stage(a, eff)
}

// flowInput builds the regime input for a spot bar. The perp side is the
// closed perp bar of the same bucket, else a preview of the open perp
// candle of that bucket, else zero.
func (e *Engine) flowInput(st *SymbolState, tf time.Duration, spot *model.Candle) regime.Input {
	var slope, z float64
	if perp := st.Perp.Series(tf); perp != nil {
		h := perp.History()
		if j := h.IndexOf(spot.OpenTimeMs); j >= 0 {
			c := &h.View()[j]
			slope, z = model.Val(c.FlowSlope, 0), model.Val(c.FlowSlopeZ, 0)
		} else if open, ok := perp.Open(); ok && open.OpenTimeMs == spot.OpenTimeMs {
			slope, z = indicator.FlowPreview(h.View(), open, e.cfg.Indicator)
		}
	}
	return regime.FromCandle(spot, slope, z)
}

// stage dedups a and stamps its id and emission time.
func (e *Engine) stage(a *model.Alert, eff *effects) {
	if !e.dedup.Add(a.Key()) {
		e.m.AlertsDeduplicated.Inc()
		return
	}
	a.ID = uuid.NewString()
	a.EmittedAtMs = e.now().UnixMilli()
	eff.alerts = append(eff.alerts, a)
}
