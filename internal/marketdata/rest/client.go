// Package rest is the HTTP client for the market-data collaborator's
// historical endpoints. It implements model.MarketData.
//
//	GET /api/v1/bars?symbol=&venue=&tf=&limit=&end=   closed bars, oldest first
//	GET /api/v1/bar?symbol=&venue=&tf=                latest closed bar (404 if none)
//	GET /api/v1/trades?symbol=&start=&end=&cursor=    one page of trades
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flowscanner/internal/backoff"
	"flowscanner/internal/marketdata/auth"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/model"
)

// ErrNotFound is returned when the collaborator has no such bar.
var ErrNotFound = errors.New("not found")

// Config configures the client.
type Config struct {
	BaseURL    string         `yaml:"base_url" default:"http://localhost:9001" validate:"required,url"`
	Timeout    time.Duration  `yaml:"timeout" default:"7s"`
	MaxRetries int            `yaml:"max_retries" default:"3" validate:"gte=0"`
	PageLimit  int            `yaml:"page_limit" default:"1000" validate:"gte=1"`
	Retry      backoff.Policy `yaml:"retry"`
}

// Bar is the wire form of a closed bar. The collaborator reports taker-buy
// volume; flow delta is approximated as 2×takerBuy − volume.
type Bar struct {
	OpenTime       int64           `json:"open_time"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Close          decimal.Decimal `json:"close"`
	Volume         decimal.Decimal `json:"volume"`
	TakerBuyVolume decimal.Decimal `json:"taker_buy_volume"`
}

// FromCandle builds the wire form of c. The taker-buy volume is recovered
// from the flow delta so the approximation round-trips.
func FromCandle(c model.Candle) Bar {
	return Bar{
		OpenTime:       c.OpenTimeMs,
		Open:           decimal.NewFromFloat(c.Open),
		High:           decimal.NewFromFloat(c.High),
		Low:            decimal.NewFromFloat(c.Low),
		Close:          decimal.NewFromFloat(c.Close),
		Volume:         decimal.NewFromFloat(c.Volume),
		TakerBuyVolume: decimal.NewFromFloat((c.Volume + c.FlowDelta) / 2),
	}
}

// Candle converts b into a closed candle of the given series.
func (b Bar) Candle(symbol string, venue model.Venue, tf time.Duration) model.Candle {
	f := func(d decimal.Decimal) float64 { v, _ := d.Float64(); return v }
	vol := f(b.Volume)
	return model.Candle{
		Symbol:     symbol,
		Venue:      venue,
		Timeframe:  tf,
		OpenTimeMs: b.OpenTime,
		Open:       f(b.Open),
		High:       f(b.High),
		Low:        f(b.Low),
		Close:      f(b.Close),
		Volume:     vol,
		FlowDelta:  2*f(b.TakerBuyVolume) - vol,
		Closed:     true,
	}
}

// TradePage is one page of the trades endpoint.
type TradePage struct {
	Trades []normalize.Message `json:"trades"`
	Next   string              `json:"next,omitempty"`
}

// Client talks to the collaborator.
type Client struct {
	cfg  Config
	http *http.Client
	otp  *auth.TOTP
	log  zerolog.Logger

	// OnRetry observes each retried request, for metrics.
	OnRetry func(endpoint string)
}

// New creates a client. otp may be nil.
func New(cfg Config, otp *auth.TOTP, log zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		otp:  otp,
		log:  log,
	}
}

var _ model.MarketData = (*Client)(nil)

// FetchBars returns up to count closed bars ending at end (zero = now),
// oldest first.
func (c *Client) FetchBars(ctx context.Context, symbol string, venue model.Venue, tf time.Duration, count int, end time.Time) ([]model.Candle, error) {
	q := seriesQuery(symbol, venue, tf)
	q.Set("limit", strconv.Itoa(count))
	if !end.IsZero() {
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	}
	var bars []Bar
	if err := c.get(ctx, "/api/v1/bars", q, &bars); err != nil {
		return nil, fmt.Errorf("fetch bars %s %s %s: %w", symbol, venue, tf, err)
	}
	out := make([]model.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, b.Candle(symbol, venue, tf))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTimeMs < out[j].OpenTimeMs })
	return out, nil
}

// FetchBar returns the latest closed bar, or ErrNotFound.
func (c *Client) FetchBar(ctx context.Context, symbol string, venue model.Venue, tf time.Duration) (*model.Candle, error) {
	var b Bar
	if err := c.get(ctx, "/api/v1/bar", seriesQuery(symbol, venue, tf), &b); err != nil {
		return nil, fmt.Errorf("fetch bar %s %s %s: %w", symbol, venue, tf, err)
	}
	cd := b.Candle(symbol, venue, tf)
	return &cd, nil
}

// FetchTrades returns every trade of symbol in [start, end] across both
// venues, following pagination, merged and sorted by timestamp.
// Malformed trades are skipped.
func (c *Client) FetchTrades(ctx context.Context, symbol string, start, end time.Time) ([]model.Trade, error) {
	norm := map[model.Venue]*normalize.Normalizer{
		model.VenueSpot: normalize.New(model.VenueSpot),
		model.VenuePerp: normalize.New(model.VenuePerp),
	}

	var out []model.Trade
	cursor := ""
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
		q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var p TradePage
		if err := c.get(ctx, "/api/v1/trades", q, &p); err != nil {
			return nil, fmt.Errorf("fetch trades %s page %d: %w", symbol, page, err)
		}
		for _, m := range p.Trades {
			n, ok := norm[m.Venue]
			if !ok {
				continue
			}
			t, err := n.Trade(m)
			if err != nil {
				continue
			}
			out = append(out, t)
		}
		if p.Next == "" || p.Next == cursor {
			break
		}
		cursor = p.Next
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	_, spotDrops := norm[model.VenueSpot].Counts()
	_, perpDrops := norm[model.VenuePerp].Counts()
	if spotDrops+perpDrops > 0 {
		c.log.Warn().Str("symbol", symbol).Int64("dropped", spotDrops+perpDrops).Msg("malformed trades skipped in backfill")
	}
	return out, nil
}

func seriesQuery(symbol string, venue model.Venue, tf time.Duration) url.Values {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("venue", string(venue))
	q.Set("tf", FormatTimeframe(tf))
	return q
}

// FormatTimeframe renders 3m, 15m, 1h style interval names.
func FormatTimeframe(tf time.Duration) string {
	switch {
	case tf >= time.Hour && tf%time.Hour == 0:
		return strconv.FormatInt(int64(tf/time.Hour), 10) + "h"
	case tf >= time.Minute && tf%time.Minute == 0:
		return strconv.FormatInt(int64(tf/time.Minute), 10) + "m"
	}
	return strconv.FormatInt(int64(tf/time.Second), 10) + "s"
}

// ParseTimeframe is the inverse of FormatTimeframe.
func ParseTimeframe(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", s)
	}
	return d, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d: %s", e.code, e.body) }

// get performs a GET with retries on transport errors and 5xx responses.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.OnRetry != nil {
				c.OnRetry(path)
			}
			d := c.cfg.Retry.Next(attempt - 1)
			c.log.Debug().Err(lastErr).Str("path", path).Dur("delay", d).Int("attempt", attempt).Msg("retrying request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}

		err := c.do(ctx, path, q, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var se *statusError
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil || (errors.As(err, &se) && se.code < 500) {
			return err
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if err := c.otp.Apply(req.Header); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("couldn't parse JSON response: %w", err)
	}
	return nil
}
