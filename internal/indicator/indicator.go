// Package indicator derives per-bar indicators for a candle history:
// session VWAP, ATR, ATR percentile rank, VWAP and flow regression slopes,
// and the z-score of the flow slope.
//
// Every value is produced by Update, which computes one bar from the
// previous bar's running accumulators plus trailing windows bounded by
// Params. Full and RepairFrom are Update applied over a range, so a full
// recompute and a bar-by-bar tail update agree exactly.
package indicator

import (
	"math"

	"flowscanner/internal/model"
	"flowscanner/internal/session"
)

// Params sizes the trailing windows.
type Params struct {
	ATRPeriod        int `yaml:"atr_period" default:"14" validate:"min=1"`
	PercentileWindow int `yaml:"percentile_window" default:"100" validate:"min=2"`
	SlopeWindow      int `yaml:"slope_window" default:"5" validate:"min=2"`
	ZWindow          int `yaml:"z_window" default:"60" validate:"min=2"`
}

// DefaultParams returns the production window sizes.
func DefaultParams() Params {
	return Params{ATRPeriod: 14, PercentileWindow: 100, SlopeWindow: 5, ZWindow: 60}
}

// Update computes every derived field of bars[i] in O(window), using
// bars[i-1]'s accumulators. bars[:i] must already be computed.
func Update(bars []model.Candle, i int, p Params) { UpdateAfter(nil, bars, i, p) }

// UpdateAfter is Update for a history whose first bar follows anchor, the
// bar that was evicted ahead of it. Bar 0 then continues anchor's
// accumulators, so a recompute after eviction keeps the session VWAP of
// the live chain. Trailing windows still start at bar 0.
func UpdateAfter(anchor *model.Candle, bars []model.Candle, i int, p Params) {
	c := &bars[i]
	tp := c.TypicalPrice()
	pv := tp * c.Volume

	var prev *model.Candle
	if i > 0 {
		prev = &bars[i-1]
	} else if anchor != nil && anchor.VWAP != nil {
		prev = anchor
	}
	switch {
	case prev == nil:
		c.CumPV, c.CumVol, c.CumFlow = pv, c.Volume, c.FlowDelta
	case session.SameDay(prev.OpenTimeMs, c.OpenTimeMs):
		c.CumPV, c.CumVol = prev.CumPV+pv, prev.CumVol+c.Volume
		c.CumFlow = prev.CumFlow + c.FlowDelta
	default:
		c.CumPV, c.CumVol = pv, c.Volume
		c.CumFlow = prev.CumFlow + c.FlowDelta
	}

	vwap := tp
	if c.CumVol > 0 {
		vwap = c.CumPV / c.CumVol
	}
	c.VWAP = model.F(vwap)

	atr := atrAt(bars, i, p.ATRPeriod)
	c.ATR = model.F(atr)
	c.ATRPercentile = model.F(percentileAt(bars, i, p))

	c.VWAPSlope = model.F(slopeAt(bars, i, p.SlopeWindow, vwapOf))
	fs := slopeAt(bars, i, p.SlopeWindow, flowOf)
	c.FlowSlope = model.F(fs)
	c.FlowSlopeZ = model.F(zAt(bars, i, fs, p))
}

// Full recomputes the whole history in O(N).
func Full(bars []model.Candle, p Params) { FullAfter(nil, bars, p) }

// FullAfter is Full continuing anchor's accumulators; see UpdateAfter.
func FullAfter(anchor *model.Candle, bars []model.Candle, p Params) {
	for i := range bars {
		UpdateAfter(anchor, bars, i, p)
	}
}

// RepairFrom recomputes bars[k:] after bar k was overwritten. The
// accumulators chain, so every later bar is recomputed, never a subset.
func RepairFrom(bars []model.Candle, k int, p Params) { RepairAfter(nil, bars, k, p) }

// RepairAfter is RepairFrom continuing anchor's accumulators.
func RepairAfter(anchor *model.Candle, bars []model.Candle, k int, p Params) {
	if k < 0 {
		k = 0
	}
	for i := k; i < len(bars); i++ {
		UpdateAfter(anchor, bars, i, p)
	}
}

// Tail updates the newest bar. When the bar before it is found corrupted
// the whole history is recomputed instead and recomputed is true.
func Tail(bars []model.Candle, p Params) (recomputed bool) { return TailAfter(nil, bars, p) }

// TailAfter is Tail whose fallback recompute continues anchor's
// accumulators.
func TailAfter(anchor *model.Candle, bars []model.Candle, p Params) (recomputed bool) {
	n := len(bars)
	if n == 0 {
		return false
	}
	if n >= 2 && !valid(bars, n-2) {
		FullAfter(anchor, bars, p)
		return true
	}
	UpdateAfter(anchor, bars, n-1, p)
	return false
}

// Validate returns the index of the first bar whose derived fields are
// missing or whose accumulators do not chain, or -1 when the history is sound.
func Validate(bars []model.Candle) int {
	for i := range bars {
		if !valid(bars, i) {
			return i
		}
	}
	return -1
}

func valid(bars []model.Candle, i int) bool {
	c := &bars[i]
	if c.VWAP == nil || c.ATR == nil || c.ATRPercentile == nil ||
		c.VWAPSlope == nil || c.FlowSlope == nil || c.FlowSlopeZ == nil {
		return false
	}
	if i == 0 {
		return true
	}
	prev := &bars[i-1]
	wantFlow := prev.CumFlow + c.FlowDelta
	if !near(c.CumFlow, wantFlow) {
		return false
	}
	if session.SameDay(prev.OpenTimeMs, c.OpenTimeMs) {
		return near(c.CumVol, prev.CumVol+c.Volume)
	}
	return near(c.CumVol, c.Volume)
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func vwapOf(c *model.Candle) float64 { return model.Val(c.VWAP, 0) }
func flowOf(c *model.Candle) float64 { return c.FlowDelta }

// trueRange uses the previous close when there is one.
func trueRange(bars []model.Candle, j int) float64 {
	c := &bars[j]
	tr := c.High - c.Low
	if j > 0 {
		pc := bars[j-1].Close
		tr = math.Max(tr, math.Max(math.Abs(c.High-pc), math.Abs(c.Low-pc)))
	}
	return tr
}

// atrAt is the simple mean of true range over period bars, 0 until full.
func atrAt(bars []model.Candle, i, period int) float64 {
	if i+1 < period {
		return 0
	}
	sum := 0.0
	for j := i - period + 1; j <= i; j++ {
		sum += trueRange(bars, j)
	}
	return sum / float64(period)
}

// percentileAt ranks bars[i].ATR against the trailing window of ATR values
// that are past warm-up.
func percentileAt(bars []model.Candle, i int, p Params) float64 {
	start := max(i-p.PercentileWindow+1, p.ATRPeriod-1, 0)
	if i-start+1 < 2 {
		return 50.0
	}
	cur := model.Val(bars[i].ATR, 0)
	le := 0
	for j := start; j <= i; j++ {
		if model.Val(bars[j].ATR, 0) <= cur {
			le++
		}
	}
	return float64(le) / float64(i-start+1) * 100
}

// slopeAt fits a line to the last w values of f ending at i; 0 until full.
func slopeAt(bars []model.Candle, i, w int, f func(*model.Candle) float64) float64 {
	if i+1 < w {
		return 0
	}
	ys := make([]float64, w)
	for k := 0; k < w; k++ {
		ys[k] = f(&bars[i-w+1+k])
	}
	return RegressionSlope(ys)
}

// zAt scores slope s against the flow slopes of the bars before i.
func zAt(bars []model.Candle, i int, s float64, p Params) float64 {
	start := max(i-p.ZWindow, p.SlopeWindow-1, 0)
	if i-start < 2 {
		return 0
	}
	prior := make([]float64, 0, i-start)
	for j := start; j < i; j++ {
		prior = append(prior, model.Val(bars[j].FlowSlope, 0))
	}
	return ZScore(s, prior)
}
