package indicator

import "flowscanner/internal/model"

// FlowPreview returns the flow slope and z-score that open would get if it
// closed now on top of the closed history bars. Nothing is mutated; this is
// how the regime input reads a venue whose bar has not closed yet.
func FlowPreview(bars []model.Candle, open model.Candle, p Params) (slope, z float64) {
	n := len(bars)
	i := n // virtual index of open
	if i+1 < p.SlopeWindow {
		return 0, 0
	}
	ys := make([]float64, p.SlopeWindow)
	for k := 0; k < p.SlopeWindow-1; k++ {
		ys[k] = bars[n-p.SlopeWindow+1+k].FlowDelta
	}
	ys[p.SlopeWindow-1] = open.FlowDelta
	slope = RegressionSlope(ys)

	start := max(i-p.ZWindow, p.SlopeWindow-1, 0)
	if i-start < 2 {
		return slope, 0
	}
	prior := make([]float64, 0, i-start)
	for j := start; j < i; j++ {
		prior = append(prior, model.Val(bars[j].FlowSlope, 0))
	}
	return slope, ZScore(slope, prior)
}
