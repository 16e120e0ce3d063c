package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowscanner/internal/indicator"
	"flowscanner/internal/model"
)

// Seed fetches SeedBars closed bars for every symbol, venue and timeframe
// and installs them with a full indicator recompute. Fetches run outside
// the symbol locks. A failed fetch leaves that series empty and is
// reported in the joined error; the others are still seeded.
func (e *Engine) Seed(ctx context.Context) error {
	var errs []error
	for _, sym := range e.cfg.Symbols {
		for _, v := range model.Venues {
			for _, tf := range e.tfs {
				if err := ctx.Err(); err != nil {
					return err
				}
				bars, err := e.md.FetchBars(ctx, sym, v, tf, e.cfg.SeedBars, time.Time{})
				if err != nil {
					e.log.Warn().Err(err).Str("symbol", sym).Str("venue", string(v)).Str("tf", tf.String()).
						Msg("history seed failed")
					errs = append(errs, fmt.Errorf("seed %s %s %s: %w", sym, v, tf, err))
					continue
				}
				if err := e.install(sym, v, tf, bars); err != nil {
					errs = append(errs, err)
				}
			}
		}
		e.log.Info().Str("symbol", sym).Int("bars", e.cfg.SeedBars).Msg("history seeded")
	}
	return errors.Join(errs...)
}

func (e *Engine) install(sym string, v model.Venue, tf time.Duration, bars []model.Candle) error {
	for i := range bars {
		b := &bars[i]
		b.Symbol, b.Venue, b.Timeframe, b.Closed = sym, v, tf, true
		b.ClearDerived()
	}
	return e.WithLock(sym, func(st *SymbolState) error {
		s := st.Aggregator(v).Series(tf)
		s.Seed(bars)
		view := s.History().View()
		indicator.Full(view, e.cfg.Indicator)

		if v != model.VenueSpot || len(view) == 0 {
			return nil
		}
		if tf == e.cfg.Timeframes.Permission {
			e.refreshPermission(st)
		}
		if tf == e.cfg.Timeframes.Primary {
			st.LastEvaluatedMs = view[len(view)-1].OpenTimeMs
		}
		return nil
	})
}
