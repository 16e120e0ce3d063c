// Package scoring rates detected patterns on a 0-100 scale.
package scoring

import (
	"fmt"
	"math"

	"flowscanner/internal/model"
)

// Weight names accepted in configuration.
const (
	KeyBase          = "BASE_PATTERN"
	KeyFlowAlignment = "FLOW_ALIGNMENT"
	KeyVolatility    = "VOLATILITY"
	KeyContext       = "CONTEXT"
)

const (
	// DefaultMinScore is the emission floor for pattern alerts.
	DefaultMinScore = 50.0

	highVolPercentile = 80.0
	lowVolPercentile  = 20.0
	maxMagnitude      = 3.0 // range/ATR cap
)

// Weights are the score components, resolved once from configuration.
type Weights struct {
	Base          float64
	FlowAlignment float64
	Volatility    float64
	Context       float64
}

// DefaultWeights returns 50/20/15/15.
func DefaultWeights() Weights {
	return Weights{Base: 50, FlowAlignment: 20, Volatility: 15, Context: 15}
}

// ParseWeights overlays the named weights in m onto the defaults.
// Unknown names are an error.
func ParseWeights(m map[string]float64) (Weights, error) {
	w := DefaultWeights()
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return w, fmt.Errorf("weight %s: not finite", k)
		}
		switch k {
		case KeyBase:
			w.Base = v
		case KeyFlowAlignment:
			w.FlowAlignment = v
		case KeyVolatility:
			w.Volatility = v
		case KeyContext:
			w.Context = v
		default:
			return w, fmt.Errorf("unknown scoring weight %q", k)
		}
	}
	return w, nil
}

// magnitudeFactor is the per-pattern multiplier on min(range/ATR, 3).
var magnitudeFactor = map[model.PatternType]float64{
	model.Ignition:    2.0,
	model.Trap:        2.0,
	model.Exec:        2.0,
	model.VWAPReclaim: 1.0,
	model.Pullback:    1.0,
}

// Scorer applies Weights with an emission floor.
type Scorer struct {
	W   Weights
	Min float64
}

// New returns a Scorer.
func New(w Weights, minScore float64) Scorer {
	return Scorer{W: w, Min: minScore}
}

// Score rates a structural pattern on bar c under regime r.
func (s Scorer) Score(p model.PatternType, c *model.Candle, r model.FlowRegime) float64 {
	score := s.W.Base

	switch {
	case r.IsConsensus():
		score += s.W.FlowAlignment
	case r.IsDominance():
		score += s.W.Context
	case r == model.Conflict && p == model.Trap:
		score += s.W.FlowAlignment
	case r == model.Neutral && (p == model.Ignition || p == model.VWAPReclaim):
		score -= s.W.Context * 0.5
	}

	if pct := c.ATRPercentile; pct != nil {
		if *pct > highVolPercentile || (*pct < lowVolPercentile && p == model.Ignition) {
			score += s.W.Volatility
		}
	}

	score += magnitude(c) * magnitudeFactor[p]
	return clamp(score)
}

// Exec rates an EXEC confirmation in direction d with the same weighting
// family as Score: flow alignment only counts for the matching consensus.
func (s Scorer) Exec(c *model.Candle, r model.FlowRegime, d model.Direction) float64 {
	score := s.W.Base
	if (d == model.DirLong && r == model.BullishConsensus) || (d == model.DirShort && r == model.BearishConsensus) {
		score += s.W.FlowAlignment
	}
	if pct := c.ATRPercentile; pct != nil && *pct > highVolPercentile {
		score += s.W.Volatility
	}
	score += magnitude(c) * magnitudeFactor[model.Exec]
	return clamp(score)
}

// Passes reports whether score reaches the emission floor.
func (s Scorer) Passes(score float64) bool { return score >= s.Min }

func magnitude(c *model.Candle) float64 {
	atr := model.Val(c.ATR, 0)
	rng := c.Range()
	if atr <= 0 || rng <= 0 {
		return 0
	}
	return math.Min(rng/atr, maxMagnitude)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
