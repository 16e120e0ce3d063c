package model

import "fmt"

// FlowRegime classifies how spot and perp order flow relate on a bar.
type FlowRegime string

const (
	BullishConsensus FlowRegime = "BULLISH_CONSENSUS"
	BearishConsensus FlowRegime = "BEARISH_CONSENSUS"
	SpotDominant     FlowRegime = "SPOT_DOMINANT"
	PerpDominant     FlowRegime = "PERP_DOMINANT"
	Conflict         FlowRegime = "CONFLICT"
	Neutral          FlowRegime = "NEUTRAL"
)

func (r FlowRegime) IsConsensus() bool { return r == BullishConsensus || r == BearishConsensus }
func (r FlowRegime) IsDominance() bool { return r == SpotDominant || r == PerpDominant }

// PatternType names a structural pattern, or the EXEC confirmation signal.
type PatternType string

const (
	VWAPReclaim    PatternType = "VWAP_RECLAIM"
	Ignition       PatternType = "IGNITION"
	Pullback       PatternType = "PULLBACK"
	Trap           PatternType = "TRAP"
	FailedBreakout PatternType = "FAILED_BREAKOUT"
	Exec           PatternType = "EXEC"
)

// Patterns lists the structural patterns in detection order.
var Patterns = []PatternType{VWAPReclaim, Ignition, Pullback, Trap, FailedBreakout}

// ParsePattern resolves a configured pattern name. EXEC is not a structural
// pattern and is rejected.
func ParsePattern(s string) (PatternType, error) {
	for _, p := range Patterns {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown pattern %q", s)
}

// Direction is the trade direction attached to ACT state and alerts.
// The zero value means no direction.
type Direction string

const (
	DirNone  Direction = ""
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
)

// Opposite returns the reverse direction; DirNone stays DirNone.
func (d Direction) Opposite() Direction {
	switch d {
	case DirLong:
		return DirShort
	case DirShort:
		return DirLong
	}
	return DirNone
}

// Bias is the higher-timeframe directional lean.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// Conflicts reports whether the bias vetoes trading in direction d.
func (b Bias) Conflicts(d Direction) bool {
	return (b == BiasBullish && d == DirShort) || (b == BiasBearish && d == DirLong)
}

// VolatilityRegime buckets the higher-timeframe ATR percentile.
type VolatilityRegime string

const (
	VolLow    VolatilityRegime = "LOW"
	VolNormal VolatilityRegime = "NORMAL"
	VolHigh   VolatilityRegime = "HIGH"
)

// PatternSet is an ordered set of patterns resolved from configuration.
type PatternSet []PatternType

// ParsePatternSet resolves names into a set, dropping duplicates.
func ParsePatternSet(names []string) (PatternSet, error) {
	var set PatternSet
	for _, n := range names {
		p, err := ParsePattern(n)
		if err != nil {
			return nil, err
		}
		if !set.Has(p) {
			set = append(set, p)
		}
	}
	return set, nil
}

// Has reports membership.
func (s PatternSet) Has(p PatternType) bool {
	for _, x := range s {
		if x == p {
			return true
		}
	}
	return false
}
