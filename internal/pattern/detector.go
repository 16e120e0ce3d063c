// Package pattern detects the five structural price patterns on the
// primary-timeframe spot history.
//
// Each pattern is a Detector. The Engine runs the registered detectors in
// a fixed order over one Context and applies the priority rule that a TRAP
// suppresses a FAILED_BREAKOUT on the same bar.
package pattern

import (
	"flowscanner/internal/indicator"
	"flowscanner/internal/model"
	"flowscanner/internal/regime"
)

// Structural constants shared by the detectors.
const (
	VWAPTolerance        = 0.001 // ~0.10% band around VWAP
	MinBodyToRange       = 0.3   // body share of range for a directional candle
	WickExcess           = 0.001 // 0.1% beyond the prior extreme to count as a sweep
	MinHistory           = 30
	IgnitionLowVolMargin = 10.0 // percentile points above the floor for the quiet cluster
	VolumeWindow         = 20
	IgnitionClusterLen   = 5
	ImpulseLookback      = 10
	SessionLookback      = 60
	MinSessionBars       = 10
)

// Thresholds are the configurable multipliers.
type Thresholds struct {
	ImpulseATR       float64 `yaml:"impulse_atr" default:"2.0" validate:"gt=0"`
	ExpansionATR     float64 `yaml:"expansion_atr" default:"1.5" validate:"gt=0"`
	CompressionATR   float64 `yaml:"compression_atr" default:"0.8" validate:"gt=0"`
	VWAPDistanceATR  float64 `yaml:"vwap_distance_atr" default:"0.5" validate:"gt=0"`
	VolumeSpike      float64 `yaml:"volume_spike" default:"1.8" validate:"gt=0"`
	TrapSweepATR     float64 `yaml:"trap_sweep_atr" default:"0.25" validate:"gte=0"`
	FailedSweepATR   float64 `yaml:"failed_sweep_atr" default:"0.15" validate:"gte=0"`
	MinATRPercentile float64 `yaml:"-"` // copied from the regime floor
}

// DefaultThresholds returns the production multipliers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ImpulseATR:       2.0,
		ExpansionATR:     1.5,
		CompressionATR:   0.8,
		VWAPDistanceATR:  0.5,
		VolumeSpike:      1.8,
		TrapSweepATR:     0.25,
		FailedSweepATR:   0.15,
		MinATRPercentile: 20,
	}
}

// Sweep records which prior extreme a bar swept.
type Sweep int

const (
	SweepNone Sweep = iota
	SweepHigh
	SweepLow
)

// Hit is a detected pattern with its inferred trade direction.
type Hit struct {
	Pattern   model.PatternType
	Direction model.Direction
	Sweep     Sweep
}

// Result is a detector's verdict; Reason explains a miss for debug logs.
type Result struct {
	Hit    Hit
	OK     bool
	Reason string
}

func miss(reason string) Result { return Result{Reason: reason} }

func hit(p model.PatternType, d model.Direction) Result {
	return Result{Hit: Hit{Pattern: p, Direction: d}, OK: true}
}

// Context is the read-only input to every detector. Bars is the closed
// spot history with the bar under analysis last.
type Context struct {
	Bars   []model.Candle
	Regime model.FlowRegime
	Flow   regime.Input
	Th     Thresholds
}

// Current returns the bar under analysis.
func (c *Context) Current() *model.Candle { return &c.Bars[len(c.Bars)-1] }

// Detector is implemented by every pattern.
type Detector interface {
	Pattern() model.PatternType
	Detect(c *Context) Result
}

// suppressedBy lists patterns that are dropped when another fires first.
var suppressedBy = map[model.PatternType]model.PatternType{
	model.FailedBreakout: model.Trap,
}

// Engine runs detectors in registration order.
type Engine struct {
	detectors []Detector
}

// NewEngine returns an engine with the five detectors registered in order.
func NewEngine() *Engine {
	e := &Engine{}
	e.Register(VWAPReclaimDetector{})
	e.Register(IgnitionDetector{})
	e.Register(PullbackDetector{})
	e.Register(TrapDetector{})
	e.Register(FailedBreakoutDetector{})
	return e
}

// Register appends a detector.
func (e *Engine) Register(d Detector) {
	e.detectors = append(e.detectors, d)
}

// Run evaluates every detector and returns the hits in detection order,
// plus the reason each miss gave.
func (e *Engine) Run(c *Context) (hits []Hit, misses map[model.PatternType]string) {
	misses = make(map[model.PatternType]string)
	if len(c.Bars) < MinHistory {
		for _, d := range e.detectors {
			misses[d.Pattern()] = "insufficient history"
		}
		return nil, misses
	}
	for _, d := range e.detectors {
		if over, ok := suppressedBy[d.Pattern()]; ok && hasPattern(hits, over) {
			misses[d.Pattern()] = "suppressed by " + string(over)
			continue
		}
		r := d.Detect(c)
		if r.OK {
			hits = append(hits, r.Hit)
		} else {
			misses[d.Pattern()] = r.Reason
		}
	}
	return hits, misses
}

func hasPattern(hits []Hit, p model.PatternType) bool {
	for _, h := range hits {
		if h.Pattern == p {
			return true
		}
	}
	return false
}

// ── helpers ──

// isDirectional reports whether the body is at least MinBodyToRange of range.
func isDirectional(c *model.Candle) bool {
	rng := c.Range()
	if rng <= 0 {
		return false
	}
	return c.Body()/rng >= MinBodyToRange
}

// volumeMedian is the median volume of the last VolumeWindow bars.
func volumeMedian(bars []model.Candle) float64 {
	start := max(len(bars)-VolumeWindow, 0)
	vols := make([]float64, 0, len(bars)-start)
	for i := start; i < len(bars); i++ {
		vols = append(vols, bars[i].Volume)
	}
	return indicator.Median(vols)
}

// positive returns *p when set and > 0.
func positive(p *float64) (float64, bool) {
	if p == nil || *p <= 0 {
		return 0, false
	}
	return *p, true
}

// sessionWindow returns the trailing session lookback (current bar last).
func sessionWindow(bars []model.Candle) []model.Candle {
	if len(bars) > SessionLookback {
		return bars[len(bars)-SessionLookback:]
	}
	return bars
}

// priorRange is the high/low of every bar of w except the last.
func priorRange(w []model.Candle) (hi, lo float64) {
	prior := w[:len(w)-1]
	hi, lo = prior[0].High, prior[0].Low
	for i := 1; i < len(prior); i++ {
		hi = max(hi, prior[i].High)
		lo = min(lo, prior[i].Low)
	}
	return hi, lo
}

// sweptHigh reports a sweep above hi by the wick excess and, when ATR is
// known, by at least atrMult×ATR.
func sweptHigh(c *model.Candle, hi, atrMult float64) bool {
	if c.High <= hi*(1+WickExcess) {
		return false
	}
	if atr, ok := positive(c.ATR); ok {
		return c.High-hi >= atrMult*atr
	}
	return true
}

func sweptLow(c *model.Candle, lo, atrMult float64) bool {
	if c.Low >= lo*(1-WickExcess) {
		return false
	}
	if atr, ok := positive(c.ATR); ok {
		return lo-c.Low >= atrMult*atr
	}
	return true
}
