package statemachine

import (
	"fmt"

	"flowscanner/internal/indicator"
	"flowscanner/internal/model"
)

// Permission reasons.
const (
	ReasonPermissionUnavailable = "permission unavailable"
	ReasonInsufficientHistory   = "insufficient permission history"
	ReasonVolatilityTooLow      = "volatility too low"
)

// Volatility buckets on the permission-timeframe ATR percentile.
const (
	LowVolPercentile  = 20.0
	HighVolPercentile = 80.0
)

// ComputePermission derives the gate from the closed permission-timeframe
// spot history. bars must already carry indicators.
func ComputePermission(bars []model.Candle, p indicator.Params, nowMs int64) *model.PermissionSnapshot {
	ps := &model.PermissionSnapshot{
		Bias:         model.BiasNeutral,
		Volatility:   model.VolNormal,
		ComputedAtMs: nowMs,
	}
	if len(bars) < p.ATRPeriod || len(bars) == 0 {
		ps.Reasons = []string{ReasonInsufficientHistory}
		return ps
	}

	last := &bars[len(bars)-1]
	if last.VWAP != nil && last.VWAPSlope != nil {
		vwap, slope := *last.VWAP, *last.VWAPSlope
		switch {
		case last.Close > vwap && slope > 0:
			ps.Bias = model.BiasBullish
		case last.Close < vwap && slope < 0:
			ps.Bias = model.BiasBearish
		}
	}

	if pct := last.ATRPercentile; pct != nil {
		switch {
		case *pct < LowVolPercentile:
			ps.Volatility = model.VolLow
		case *pct > HighVolPercentile:
			ps.Volatility = model.VolHigh
		}
	}

	ps.Allowed = ps.Volatility != model.VolLow
	if !ps.Allowed {
		ps.Reasons = append(ps.Reasons, ReasonVolatilityTooLow)
	}
	ps.Reasons = append(ps.Reasons, fmt.Sprintf("bias %s, volatility %s", ps.Bias, ps.Volatility))
	return ps
}
