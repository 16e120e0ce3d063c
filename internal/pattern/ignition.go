package pattern

import (
	"flowscanner/internal/model"
	"flowscanner/internal/regime"
)

// IgnitionDetector fires on a range and volume expansion out of a quiet
// volatility cluster, in the direction of the candle and of the flow.
type IgnitionDetector struct{}

func (IgnitionDetector) Pattern() model.PatternType { return model.Ignition }

func (IgnitionDetector) Detect(c *Context) Result {
	curr := c.Current()
	atr, ok := positive(curr.ATR)
	if !ok || curr.Volume <= 0 {
		return miss("missing atr or volume")
	}

	n := len(c.Bars)
	if n < IgnitionClusterLen+1 {
		return miss("history shorter than cluster")
	}
	sum := 0.0
	for _, b := range c.Bars[n-IgnitionClusterLen-1 : n-1] {
		if b.ATRPercentile == nil {
			return miss("cluster percentile missing")
		}
		sum += *b.ATRPercentile
	}
	if sum/IgnitionClusterLen > c.Th.MinATRPercentile+IgnitionLowVolMargin {
		return miss("not emerging from a quiet cluster")
	}

	if curr.Range() <= atr*c.Th.ExpansionATR {
		return miss("no range expansion")
	}
	med := volumeMedian(c.Bars)
	if med <= 0 || curr.Volume < med*c.Th.VolumeSpike {
		return miss("no volume spike")
	}
	if !isDirectional(curr) {
		return miss("body not directional")
	}

	var dir model.Direction
	switch {
	case curr.IsGreen():
		dir = model.DirLong
	case curr.IsRed():
		dir = model.DirShort
	default:
		return miss("doji")
	}

	if vwap, ok := positive(curr.VWAP); ok {
		if (dir == model.DirLong && curr.Close <= vwap) || (dir == model.DirShort && curr.Close >= vwap) {
			return miss("close on wrong side of vwap")
		}
	}
	if !regime.Aligned(c.Regime, c.Flow, dir) {
		return miss("flow not aligned")
	}
	return hit(model.Ignition, dir)
}
