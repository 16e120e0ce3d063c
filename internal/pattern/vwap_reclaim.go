package pattern

import (
	"flowscanner/internal/model"
	"flowscanner/internal/regime"
)

// VWAPReclaimDetector fires when the prior bar closed clearly on one side
// of VWAP and the current bar closes on the other side with a directional
// body and a volume push.
type VWAPReclaimDetector struct{}

func (VWAPReclaimDetector) Pattern() model.PatternType { return model.VWAPReclaim }

func (VWAPReclaimDetector) Detect(c *Context) Result {
	curr := c.Current()
	prev := &c.Bars[len(c.Bars)-2]

	cv, ok1 := positive(curr.VWAP)
	pv, ok2 := positive(prev.VWAP)
	if !ok1 || !ok2 || curr.Volume <= 0 || prev.Volume <= 0 {
		return miss("missing vwap or volume")
	}

	med := volumeMedian(c.Bars)
	if med <= 0 {
		return miss("no volume median")
	}
	if curr.Volume < med*c.Th.VolumeSpike*0.7 {
		return miss("volume push missing")
	}
	if !isDirectional(curr) {
		return miss("body not directional")
	}

	tol := VWAPTolerance
	bull := prev.Close < pv*(1-tol) && curr.Close > cv*(1+tol/2) && curr.IsGreen()
	bear := prev.Close > pv*(1+tol) && curr.Close < cv*(1-tol/2) && curr.IsRed()

	switch {
	case bull:
		if !regime.Bullish(c.Regime, c.Flow) {
			return miss("bullish reclaim without bullish flow")
		}
		return hit(model.VWAPReclaim, model.DirLong)
	case bear:
		if !regime.Bearish(c.Regime, c.Flow) {
			return miss("bearish reclaim without bearish flow")
		}
		return hit(model.VWAPReclaim, model.DirShort)
	}
	return miss("no vwap cross")
}
