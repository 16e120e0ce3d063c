package pattern

import (
	"math"

	"flowscanner/internal/model"
	"flowscanner/internal/regime"
)

// PullbackDetector fires on a compressed, low-volume bar resting near VWAP
// shortly after a directional impulse, with flow still on the impulse side.
type PullbackDetector struct{}

func (PullbackDetector) Pattern() model.PatternType { return model.Pullback }

func (PullbackDetector) Detect(c *Context) Result {
	curr := c.Current()
	atr, ok := positive(curr.ATR)
	vwap, ok2 := positive(curr.VWAP)
	if !ok || !ok2 {
		return miss("missing atr or vwap")
	}

	n := len(c.Bars)
	lookback := min(ImpulseLookback, n-1)
	dir := model.DirNone
	for i := n - 2; i >= n-1-lookback; i-- {
		b := &c.Bars[i]
		batr, ok := positive(b.ATR)
		if !ok {
			continue
		}
		if b.Range() > batr*c.Th.ImpulseATR && isDirectional(b) {
			if b.IsGreen() {
				dir = model.DirLong
			} else {
				dir = model.DirShort
			}
			break
		}
	}
	if dir == model.DirNone {
		return miss("no recent impulse")
	}

	rng := curr.Range()
	if rng <= 0 || rng >= atr*c.Th.CompressionATR {
		return miss("not compressed")
	}
	med := volumeMedian(c.Bars)
	if med <= 0 || curr.Volume > med*0.9 {
		return miss("volume not contracted")
	}
	if math.Abs(curr.Close-vwap) > atr*c.Th.VWAPDistanceATR {
		return miss("too far from vwap")
	}

	if dir == model.DirLong && curr.Close < vwap*(1-VWAPTolerance*2) {
		return miss("pulled back through vwap")
	}
	if dir == model.DirShort && curr.Close > vwap*(1+VWAPTolerance*2) {
		return miss("pulled back through vwap")
	}
	if !regime.Aligned(c.Regime, c.Flow, dir) {
		return miss("flow not aligned with impulse")
	}
	return hit(model.Pullback, dir)
}
