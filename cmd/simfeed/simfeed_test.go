package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/marketdata/auth"
	"flowscanner/internal/marketdata/rest"
	"flowscanner/internal/model"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestMarket_StepBothVenues(t *testing.T) {
	m := newMarket([]string{"BTCUSDT", "ETHUSDT"}, time.Hour, 1)
	trades := m.step(base, 2)
	if len(trades) != 8 {
		t.Fatalf("trades = %d, want 8", len(trades))
	}
	venues := map[model.Venue]int{}
	for _, tr := range trades {
		if err := tr.Validate(); err != nil {
			t.Errorf("invalid trade %+v: %v", tr, err)
		}
		venues[tr.Venue]++
	}
	if venues[model.VenueSpot] != 4 || venues[model.VenuePerp] != 4 {
		t.Errorf("venue split = %v", venues)
	}
}

func TestMarket_Deterministic(t *testing.T) {
	a := newMarket([]string{"BTCUSDT"}, time.Hour, 42).step(base, 5)
	b := newMarket([]string{"BTCUSDT"}, time.Hour, 42).step(base, 5)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("trade %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestMarket_BarsOnlyClosed(t *testing.T) {
	m := newMarket([]string{"BTCUSDT"}, 2*time.Hour, 7)
	m.backfill(base, 30*time.Minute, time.Second)

	bars := m.bars("BTCUSDT", model.VenueSpot, 3*time.Minute, 100, 0, base)
	if len(bars) != 10 {
		t.Fatalf("bars = %d, want 10", len(bars))
	}
	last := bars[len(bars)-1]
	if want := base.Add(-3 * time.Minute).UnixMilli(); last.OpenTimeMs != want {
		t.Errorf("last open = %d, want %d", last.OpenTimeMs, want)
	}
	for i, b := range bars {
		if !b.Closed || b.Venue != model.VenueSpot {
			t.Errorf("bar %d: closed=%v venue=%s", i, b.Closed, b.Venue)
		}
		if i > 0 && b.OpenTimeMs-bars[i-1].OpenTimeMs != (3*time.Minute).Milliseconds() {
			t.Errorf("bar %d not contiguous", i)
		}
	}

	if got := m.bars("BTCUSDT", model.VenueSpot, 3*time.Minute, 4, 0, base); len(got) != 4 || got[3].OpenTimeMs != last.OpenTimeMs {
		t.Errorf("limited bars = %d", len(got))
	}
}

func TestMarket_Eviction(t *testing.T) {
	m := newMarket([]string{"BTCUSDT"}, time.Minute, 3)
	m.backfill(base, 10*time.Minute, time.Second)
	got := m.tradesBetween("BTCUSDT", 0, base.UnixMilli())
	if len(got) == 0 {
		t.Fatal("no trades retained")
	}
	if oldest := got[0].TimestampMs; oldest < base.Add(-5*time.Minute).UnixMilli() {
		t.Errorf("oldest retained trade %d is too old", oldest)
	}
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *market) {
	t.Helper()
	m := newMarket([]string{"BTCUSDT"}, 2*time.Hour, 9)
	m.backfill(base, 20*time.Minute, time.Second)
	s := newServer(m, secret, zerolog.Nop())
	s.now = func() time.Time { return base }
	ts := httptest.NewServer(s.echo)
	t.Cleanup(ts.Close)
	return ts, m
}

func newClient(ts *httptest.Server, otp *auth.TOTP) *rest.Client {
	return rest.New(rest.Config{BaseURL: ts.URL, Timeout: 2 * time.Second, MaxRetries: 0, PageLimit: 500}, otp, zerolog.Nop())
}

func TestServer_ServesRESTClient(t *testing.T) {
	ts, m := newTestServer(t, "")
	c := newClient(ts, nil)
	ctx := context.Background()

	bars, err := c.FetchBars(ctx, "BTCUSDT", model.VenuePerp, 3*time.Minute, 5, time.Time{})
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("bars = %d, want 5", len(bars))
	}

	bar, err := c.FetchBar(ctx, "BTCUSDT", model.VenuePerp, 3*time.Minute)
	if err != nil {
		t.Fatalf("FetchBar: %v", err)
	}
	if bar.OpenTimeMs != bars[4].OpenTimeMs || bar.Close != bars[4].Close {
		t.Errorf("latest bar = %+v, want %+v", bar, bars[4])
	}

	start, end := base.Add(-5*time.Minute), base
	trades, err := c.FetchTrades(ctx, "BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("FetchTrades: %v", err)
	}
	want := m.tradesBetween("BTCUSDT", start.UnixMilli(), end.UnixMilli())
	if len(trades) != len(want) {
		t.Fatalf("trades = %d, want %d (pages of 500)", len(trades), len(want))
	}
}

func TestServer_Errors(t *testing.T) {
	ts, _ := newTestServer(t, "")
	cases := []struct {
		path string
		code int
	}{
		{"/api/v1/bars?symbol=XRPUSDT&venue=spot&tf=3m", http.StatusNotFound},
		{"/api/v1/bars?symbol=BTCUSDT&venue=margin&tf=3m", http.StatusBadRequest},
		{"/api/v1/bars?symbol=BTCUSDT&venue=spot&tf=bogus", http.StatusBadRequest},
		{"/api/v1/bars?symbol=BTCUSDT&venue=spot&tf=3m&limit=0", http.StatusBadRequest},
		{"/api/v1/trades?symbol=BTCUSDT&cursor=-1", http.StatusBadRequest},
		{"/ws/margin", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Errorf("%s: status %d, want %d", tc.path, resp.StatusCode, tc.code)
		}
	}
}

func TestServer_RequiresCode(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	ts, _ := newTestServer(t, secret)

	resp, err := http.Get(ts.URL + "/api/v1/bar?symbol=BTCUSDT&venue=spot&tf=3m")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	otp, err := auth.New(secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newClient(ts, otp).FetchBar(context.Background(), "BTCUSDT", model.VenueSpot, 3*time.Minute); err != nil {
		t.Errorf("authorised FetchBar: %v", err)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Errorf("health = %v (%v)", body, err)
	}
}

func TestHub_FiltersSymbols(t *testing.T) {
	h := newHub()
	c := h.register(nil, []string{"ETHUSDT"})
	h.broadcast(model.Trade{Symbol: "BTCUSDT", Venue: model.VenueSpot, Price: 1, Qty: 1, TimestampMs: 1, TakerSide: model.SideBuy})
	h.broadcast(model.Trade{Symbol: "ETHUSDT", Venue: model.VenueSpot, Price: 1, Qty: 1, TimestampMs: 2, TakerSide: model.SideBuy})
	if len(c.ch) != 1 {
		t.Fatalf("queued = %d, want 1", len(c.ch))
	}
	h.unregister(nil)
	if h.count() != 0 {
		t.Errorf("count = %d after unregister", h.count())
	}
}
