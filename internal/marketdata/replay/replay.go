// Package replay fetches a window of historical trades and emits them in
// timestamp order through the same handler the live feed uses, so gap
// backfill rebuilds candles exactly like live ingestion.
package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

// maxGap caps the simulated pause between two trades when pacing.
const maxGap = 5 * time.Second

// Replayer reads trades from the market-data collaborator.
type Replayer struct {
	md  model.MarketData
	log zerolog.Logger
}

// New creates a Replayer.
func New(md model.MarketData, log zerolog.Logger) *Replayer {
	return &Replayer{md: md, log: log}
}

// Run replays symbol's trades in [start, end] into emit and returns how
// many were emitted. speed paces playback: 1.0 = real time, 10.0 = 10x,
// 0 = as fast as possible.
func (r *Replayer) Run(ctx context.Context, symbol string, start, end time.Time, speed float64, emit func(model.Trade)) (int, error) {
	trades, err := r.md.FetchTrades(ctx, symbol, start, end)
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", symbol, err)
	}
	if len(trades) == 0 {
		r.log.Debug().Str("symbol", symbol).Msg("no trades to replay")
		return 0, nil
	}
	return Emit(ctx, trades, speed, emit)
}

// Emit sorts trades by timestamp (stable, so same-millisecond trades keep
// their order) and feeds them to emit.
func Emit(ctx context.Context, trades []model.Trade, speed float64, emit func(model.Trade)) (int, error) {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].TimestampMs < trades[j].TimestampMs })

	var prevTs int64
	emitted := 0
	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		if speed > 0 && prevTs != 0 {
			if gap := time.Duration(t.TimestampMs-prevTs) * time.Millisecond; gap > 0 {
				scaled := min(time.Duration(float64(gap)/speed), maxGap)
				select {
				case <-ctx.Done():
					return emitted, ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		prevTs = t.TimestampMs
		emit(t)
		emitted++
	}
	return emitted, nil
}
