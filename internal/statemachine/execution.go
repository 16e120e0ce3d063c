package statemachine

import (
	"fmt"
	"math"

	"flowscanner/internal/model"
	"flowscanner/internal/pattern"
	"flowscanner/internal/regime"
	"flowscanner/internal/scoring"
)

const maxStrength = 10.0

// Executor confirms ACT setups on the execution timeframe.
type Executor struct {
	Scorer scoring.Scorer
	SlopeZ float64 // flow opposition threshold in σ
}

// Execute inspects the last closed execution bar. It returns an EXEC alert
// (ID and emission time left for the caller) or the reason nothing fired.
func (e Executor) Execute(bars []model.Candle, s *model.StateSnapshot, flow regime.Input, r model.FlowRegime) (*model.Alert, string) {
	if s.State != model.StateAct || s.ActDirection == model.DirNone {
		return nil, "not in ACT"
	}
	if len(bars) == 0 {
		return nil, "no bars"
	}
	c := &bars[len(bars)-1]
	dir := s.ActDirection

	th := e.SlopeZ
	if (dir == model.DirLong && flow.SpotZ < -th && flow.PerpZ < -th) ||
		(dir == model.DirShort && flow.SpotZ > th && flow.PerpZ > th) {
		return nil, "flow opposes " + string(dir)
	}

	vwap, ok := positiveVal(c.VWAP)
	if !ok {
		return nil, "missing vwap"
	}
	atr, ok := positiveVal(c.ATR)
	if !ok {
		return nil, "missing atr"
	}
	if !directional(c) {
		return nil, "body not directional"
	}
	switch dir {
	case model.DirLong:
		if !(c.Close > vwap && c.IsGreen()) {
			return nil, "no long confirmation"
		}
	case model.DirShort:
		if !(c.Close < vwap && c.IsRed()) {
			return nil, "no short confirmation"
		}
	}

	strength := math.Min(c.Body()/atr, maxStrength)
	return &model.Alert{
		Symbol:     s.Symbol,
		Pattern:    model.Exec,
		Score:      e.Scorer.Exec(c, r, dir),
		Regime:     r,
		Price:      c.Close,
		CandleTsMs: c.OpenTimeMs,
		Direction:  dir,
		Timeframe:  c.Timeframe,
		Strength:   strength,
		Message:    fmt.Sprintf("EXEC %s after %s (strength %.1f)", dir, s.ActReason, strength),
	}, ""
}

func positiveVal(p *float64) (float64, bool) {
	if p == nil || *p <= 0 {
		return 0, false
	}
	return *p, true
}

func directional(c *model.Candle) bool {
	rng := c.Range()
	return rng > 0 && c.Body()/rng >= pattern.MinBodyToRange
}
