package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/backoff"
	"flowscanner/internal/marketdata/auth"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/model"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		Retry:      backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}, nil, zerolog.Nop())
}

func TestFetchBars(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v1/bars" || q.Get("symbol") != "BTCUSDT" || q.Get("venue") != "perp" || q.Get("tf") != "3m" || q.Get("limit") != "2" {
			http.Error(w, "bad request "+r.URL.String(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(`[
			{"open_time":180000,"open":"2","high":"3","low":"1","close":"2.5","volume":"10","taker_buy_volume":"7"},
			{"open_time":0,"open":1,"high":2,"low":0.5,"close":2,"volume":4,"taker_buy_volume":1}
		]`))
	}))

	bars, err := c.FetchBars(context.Background(), "BTCUSDT", model.VenuePerp, 3*time.Minute, 2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 || bars[0].OpenTimeMs != 0 || bars[1].OpenTimeMs != 180000 {
		t.Fatalf("bars = %+v", bars)
	}
	if bars[1].FlowDelta != 4 || bars[0].FlowDelta != -2 {
		t.Errorf("flow deltas = %v, %v", bars[0].FlowDelta, bars[1].FlowDelta)
	}
	if !bars[0].Closed || bars[0].Venue != model.VenuePerp || bars[0].Timeframe != 3*time.Minute {
		t.Errorf("bar identity = %+v", bars[0])
	}
}

func TestFetchBar_NotFound(t *testing.T) {
	c := newClient(t, http.NotFoundHandler())
	_, err := c.FetchBar(context.Background(), "BTCUSDT", model.VenueSpot, time.Minute)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(FromCandle(model.Candle{OpenTimeMs: 60000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 6, FlowDelta: 2}))
	}))
	var retries atomic.Int32
	c.OnRetry = func(string) { retries.Add(1) }

	b, err := c.FetchBar(context.Background(), "BTCUSDT", model.VenueSpot, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if b.OpenTimeMs != 60000 || b.FlowDelta != 2 {
		t.Errorf("bar = %+v", b)
	}
	if calls.Load() != 3 || retries.Load() != 2 {
		t.Errorf("calls=%d retries=%d", calls.Load(), retries.Load())
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	if _, err := c.FetchBar(context.Background(), "BTCUSDT", model.VenueSpot, time.Minute); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	if _, err := c.FetchBar(context.Background(), "BTCUSDT", model.VenueSpot, time.Minute); err == nil {
		t.Fatal("expected error after retries")
	}
}

func TestFetchTrades_PaginatesAndSorts(t *testing.T) {
	msg := func(v model.Venue, ts int64, side model.Side) normalize.Message {
		return normalize.FromTrade(model.Trade{Symbol: "BTCUSDT", Venue: v, Price: 100, Qty: 1, TimestampMs: ts, TakerSide: side})
	}
	pages := map[string]TradePage{
		"":   {Trades: []normalize.Message{msg(model.VenueSpot, 30, model.SideBuy), msg(model.VenuePerp, 10, model.SideSell)}, Next: "p2"},
		"p2": {Trades: []normalize.Message{msg(model.VenuePerp, 20, model.SideBuy), {Symbol: "BTCUSDT", Venue: model.VenueSpot, Timestamp: 25}}},
	}
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pages[r.URL.Query().Get("cursor")])
	}))

	trades, err := c.FetchTrades(context.Background(), "BTCUSDT", time.UnixMilli(0), time.UnixMilli(100))
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 3 {
		t.Fatalf("trades = %+v", trades)
	}
	for i, want := range []int64{10, 20, 30} {
		if trades[i].TimestampMs != want {
			t.Errorf("trades[%d].ts = %d, want %d", i, trades[i].TimestampMs, want)
		}
	}
	if trades[0].Venue != model.VenuePerp || trades[0].TakerSide != model.SideSell {
		t.Errorf("first trade = %+v", trades[0])
	}
}

func TestOTPHeader(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Verify(r, secret); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	otp, err := auth.New(secret)
	if err != nil {
		t.Fatal(err)
	}
	c := New(Config{BaseURL: srv.URL}, otp, zerolog.Nop())
	if _, err := c.FetchBars(context.Background(), "BTCUSDT", model.VenueSpot, time.Minute, 10, time.Now()); err != nil {
		t.Errorf("authorised request failed: %v", err)
	}
}

func TestTimeframeNames(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		name string
	}{{time.Minute, "1m"}, {3 * time.Minute, "3m"}, {15 * time.Minute, "15m"}, {time.Hour, "1h"}, {30 * time.Second, "30s"}} {
		if got := FormatTimeframe(tc.d); got != tc.name {
			t.Errorf("FormatTimeframe(%s) = %s", tc.d, got)
		}
		if d, err := ParseTimeframe(tc.name); err != nil || d != tc.d {
			t.Errorf("ParseTimeframe(%s) = %s, %v", tc.name, d, err)
		}
	}
}
