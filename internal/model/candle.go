package model

import (
	"math"
	"time"
)

// Candle is one fixed-interval OHLCV bar of a single venue.
// Derived fields are nil until the indicator engine computes them.
type Candle struct {
	Symbol      string        `json:"symbol"`
	Venue       Venue         `json:"venue"`
	Timeframe   time.Duration `json:"timeframe"`
	OpenTimeMs  int64         `json:"open_time"` // bucket start, ms since epoch
	Open        float64       `json:"open"`
	High        float64       `json:"high"`
	Low         float64       `json:"low"`
	Close       float64       `json:"close"`
	Volume      float64       `json:"volume"`
	FlowDelta   float64       `json:"flow_delta"` // signed taker volume of this bar
	Closed      bool          `json:"closed"`

	VWAP          *float64 `json:"vwap,omitempty"`
	ATR           *float64 `json:"atr,omitempty"`
	VWAPSlope     *float64 `json:"vwap_slope,omitempty"`
	ATRPercentile *float64 `json:"atr_percentile,omitempty"`
	FlowSlope     *float64 `json:"flow_slope,omitempty"`
	FlowSlopeZ    *float64 `json:"flow_slope_z,omitempty"`

	// Running accumulators chained bar to bar.
	CumPV   float64 `json:"cum_pv"`
	CumVol  float64 `json:"cum_vol"`
	CumFlow float64 `json:"cum_flow"`
}

// F returns a pointer to v, for populating derived fields.
func F(v float64) *float64 { return &v }

// Val dereferences p, returning def when p is nil.
func Val(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// TypicalPrice returns (H+L+C)/3.
func (c *Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// Range returns high minus low.
func (c *Candle) Range() float64 { return c.High - c.Low }

// Body returns |close - open|.
func (c *Candle) Body() float64 { return math.Abs(c.Close - c.Open) }

func (c *Candle) IsGreen() bool { return c.Close > c.Open }
func (c *Candle) IsRed() bool   { return c.Close < c.Open }

// OpenTime returns the bucket start as a UTC time.
func (c *Candle) OpenTime() time.Time {
	return time.UnixMilli(c.OpenTimeMs).UTC()
}

// ClearDerived drops every indicator output and accumulator so the
// bar can be recomputed from its neighbours.
func (c *Candle) ClearDerived() {
	c.VWAP, c.ATR, c.VWAPSlope = nil, nil, nil
	c.ATRPercentile, c.FlowSlope, c.FlowSlopeZ = nil, nil, nil
	c.CumPV, c.CumVol, c.CumFlow = 0, 0, 0
}

// SetOHLCV copies price, volume and flow data from src, leaving identity
// and derived fields untouched.
func (c *Candle) SetOHLCV(src Candle) {
	c.Open, c.High, c.Low, c.Close = src.Open, src.High, src.Low, src.Close
	c.Volume = src.Volume
	c.FlowDelta = src.FlowDelta
}
