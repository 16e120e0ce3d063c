package model

import (
	"fmt"
	"math"
)

// Venue identifies which market a trade or candle belongs to.
type Venue string

const (
	VenueSpot Venue = "spot"
	VenuePerp Venue = "perp"
)

// Venues lists every venue in processing order.
var Venues = []Venue{VenueSpot, VenuePerp}

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	return v == VenueSpot || v == VenuePerp
}

// Side is the aggressor (taker) side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a normalized trade from either venue. Immutable once built.
type Trade struct {
	Symbol      string  `json:"symbol"`
	Venue       Venue   `json:"venue"`
	Price       float64 `json:"price"`
	Qty         float64 `json:"qty"`
	TimestampMs int64   `json:"ts"`
	TakerSide   Side    `json:"side"`
}

// Delta returns the signed order-flow contribution of the trade:
// +qty when the taker bought, -qty when the taker sold.
func (t Trade) Delta() float64 {
	if t.TakerSide == SideSell {
		return -t.Qty
	}
	return t.Qty
}

// Validate checks the fields the aggregator relies on.
func (t Trade) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("empty symbol")
	case !t.Venue.Valid():
		return fmt.Errorf("unknown venue %q", t.Venue)
	case t.TakerSide != SideBuy && t.TakerSide != SideSell:
		return fmt.Errorf("unknown taker side %q", t.TakerSide)
	case math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0:
		return fmt.Errorf("bad price %v", t.Price)
	case math.IsNaN(t.Qty) || math.IsInf(t.Qty, 0) || t.Qty < 0:
		return fmt.Errorf("bad qty %v", t.Qty)
	case t.TimestampMs <= 0:
		return fmt.Errorf("bad timestamp %d", t.TimestampMs)
	}
	return nil
}
