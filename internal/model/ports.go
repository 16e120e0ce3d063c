package model

import (
	"context"
	"time"
)

// ── Collaborator Ports ──
// The scanner consumes market data and publishes results only through these
// interfaces, so the engine never depends on a concrete feed or sink.

// MarketData is the historical side of the market-data collaborator.
type MarketData interface {
	// FetchBars returns up to count closed bars ending at end (zero = now),
	// oldest first. Flow delta is the collaborator's approximation.
	FetchBars(ctx context.Context, symbol string, venue Venue, tf time.Duration, count int, end time.Time) ([]Candle, error)

	// FetchBar returns the latest closed bar. No bar is an error.
	FetchBar(ctx context.Context, symbol string, venue Venue, tf time.Duration) (*Candle, error)

	// FetchTrades returns trades of both venues in [start, end], time-sorted.
	FetchTrades(ctx context.Context, symbol string, start, end time.Time) ([]Trade, error)
}

// Sink receives everything the scanner publishes. Calls must not block.
type Sink interface {
	OnAlert(Alert)
	OnStateSnapshot(map[string]StateSnapshot)
	OnLivenessTick()
	OnFeedError(msg string)
	OnFeedConnected()
}
