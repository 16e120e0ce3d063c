package pattern

import "flowscanner/internal/model"

// TrapDetector fires when a bar sweeps the prior session extreme and slams
// back inside on a volume spike with an opposing candle. Traps need flow
// disagreement or single-venue leadership; pure consensus is continuation.
type TrapDetector struct{}

func (TrapDetector) Pattern() model.PatternType { return model.Trap }

func (TrapDetector) Detect(c *Context) Result {
	w := sessionWindow(c.Bars)
	if len(w) < MinSessionBars {
		return miss("short session window")
	}
	curr := c.Current()
	hi, lo := priorRange(w)

	med := volumeMedian(w)
	if med <= 0 {
		return miss("no volume median")
	}
	if curr.Range() <= 0 || !isDirectional(curr) {
		return miss("body not directional")
	}

	var h Hit
	switch {
	case sweptHigh(curr, hi, c.Th.TrapSweepATR) && curr.Close < hi && curr.IsRed():
		h = Hit{Pattern: model.Trap, Direction: model.DirShort, Sweep: SweepHigh}
	case sweptLow(curr, lo, c.Th.TrapSweepATR) && curr.Close > lo && curr.IsGreen():
		h = Hit{Pattern: model.Trap, Direction: model.DirLong, Sweep: SweepLow}
	default:
		return miss("no sweep and reclaim")
	}

	if curr.Volume < med*c.Th.VolumeSpike {
		return miss("sweep without volume spike")
	}
	switch c.Regime {
	case model.Conflict, model.SpotDominant, model.PerpDominant:
		return Result{Hit: h, OK: true}
	}
	return miss("regime implies continuation")
}

// FailedBreakoutDetector is the softer sibling of the trap: the same sweep
// and close back inside, on ordinary volume, while flow is weak or split.
type FailedBreakoutDetector struct{}

func (FailedBreakoutDetector) Pattern() model.PatternType { return model.FailedBreakout }

func (FailedBreakoutDetector) Detect(c *Context) Result {
	w := sessionWindow(c.Bars)
	if len(w) < MinSessionBars {
		return miss("short session window")
	}
	curr := c.Current()
	if curr.Range() <= 0 {
		return miss("zero range")
	}
	hi, lo := priorRange(w)

	var h Hit
	switch {
	case sweptHigh(curr, hi, c.Th.FailedSweepATR) && curr.Close < hi:
		h = Hit{Pattern: model.FailedBreakout, Direction: model.DirShort, Sweep: SweepHigh}
	case sweptLow(curr, lo, c.Th.FailedSweepATR) && curr.Close > lo:
		h = Hit{Pattern: model.FailedBreakout, Direction: model.DirLong, Sweep: SweepLow}
	default:
		return miss("no rejection")
	}

	med := volumeMedian(w)
	if med <= 0 {
		return miss("no volume median")
	}
	if curr.Volume > med*c.Th.VolumeSpike*0.9 {
		return miss("explosive volume")
	}
	if c.Regime != model.Neutral && c.Regime != model.Conflict {
		return miss("flow implies a real breakout")
	}
	return Result{Hit: h, OK: true}
}
