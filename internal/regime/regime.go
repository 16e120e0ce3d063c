// Package regime classifies the order-flow regime of a bar from the spot
// and perp flow slopes. Classify is a pure function over value inputs; it
// never reads a candle of the other venue.
package regime

import (
	"math"

	"flowscanner/internal/model"
)

// Thresholds configures the classifier.
type Thresholds struct {
	MinATRPercentile float64 `yaml:"min_atr_percentile" default:"20" validate:"gte=0,lte=100"`
	SlopeZ           float64 `yaml:"slope_z" default:"0.5" validate:"gt=0"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MinATRPercentile: 20, SlopeZ: 0.5}
}

// Input is everything the classifier looks at. ATRPercentile is nil when
// unknown, which skips the volatility gate.
type Input struct {
	ATRPercentile        *float64
	SpotZ, PerpZ         float64
	SpotSlope, PerpSlope float64
}

// Classify maps an Input to a FlowRegime.
//
//  1. dead market (percentile below the floor)        -> NEUTRAL
//  2. neither |z| above the threshold                  -> NEUTRAL
//  3. both above with the same sign                    -> consensus
//  4. both above with opposite signs                   -> CONFLICT
//  5. one active venue: larger raw |slope| dominates, ties by |z|,
//     then SPOT_DOMINANT.
func Classify(in Input, th Thresholds) model.FlowRegime {
	if in.ATRPercentile != nil && *in.ATRPercentile < th.MinATRPercentile {
		return model.Neutral
	}

	spotActive := math.Abs(in.SpotZ) > th.SlopeZ
	perpActive := math.Abs(in.PerpZ) > th.SlopeZ

	switch {
	case !spotActive && !perpActive:
		return model.Neutral
	case spotActive && perpActive:
		if (in.SpotZ > 0) == (in.PerpZ > 0) {
			if in.SpotZ > 0 {
				return model.BullishConsensus
			}
			return model.BearishConsensus
		}
		return model.Conflict
	}

	spotRaw, perpRaw := math.Abs(in.SpotSlope), math.Abs(in.PerpSlope)
	switch {
	case spotRaw > perpRaw:
		return model.SpotDominant
	case perpRaw > spotRaw:
		return model.PerpDominant
	case math.Abs(in.PerpZ) > math.Abs(in.SpotZ):
		return model.PerpDominant
	default:
		return model.SpotDominant
	}
}

// Bullish reports whether the regime supports a long setup: bullish
// consensus, or a dominance regime whose leading venue's raw slope is up.
func Bullish(r model.FlowRegime, in Input) bool {
	switch r {
	case model.BullishConsensus:
		return true
	case model.SpotDominant:
		return in.SpotSlope > 0
	case model.PerpDominant:
		return in.PerpSlope > 0
	}
	return false
}

// Bearish is the mirror of Bullish.
func Bearish(r model.FlowRegime, in Input) bool {
	switch r {
	case model.BearishConsensus:
		return true
	case model.SpotDominant:
		return in.SpotSlope < 0
	case model.PerpDominant:
		return in.PerpSlope < 0
	}
	return false
}

// Aligned reports whether the regime supports trading in direction d.
func Aligned(r model.FlowRegime, in Input, d model.Direction) bool {
	switch d {
	case model.DirLong:
		return Bullish(r, in)
	case model.DirShort:
		return Bearish(r, in)
	}
	return false
}

// FromCandle reads the spot side of an Input from a closed spot candle.
// The perp side is supplied by the caller.
func FromCandle(spot *model.Candle, perpSlope, perpZ float64) Input {
	return Input{
		ATRPercentile: spot.ATRPercentile,
		SpotZ:         model.Val(spot.FlowSlopeZ, 0),
		SpotSlope:     model.Val(spot.FlowSlope, 0),
		PerpZ:         perpZ,
		PerpSlope:     perpSlope,
	}
}
