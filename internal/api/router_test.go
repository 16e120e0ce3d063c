package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/engine"
	"flowscanner/internal/metrics"
	"flowscanner/internal/model"
	"flowscanner/internal/statemachine"
)

type fakeScanner struct {
	snaps     map[string]model.StateSnapshot
	bars      []model.Candle
	lastTrade time.Time
	gotLimit  int
	gotTF     time.Duration
}

func (f *fakeScanner) Symbols() []string { return []string{"BTCUSDT"} }

func (f *fakeScanner) Snapshots() map[string]model.StateSnapshot { return f.snaps }

func (f *fakeScanner) Snapshot(symbol string) (model.StateSnapshot, error) {
	s, ok := f.snaps[symbol]
	if !ok {
		return model.StateSnapshot{}, engine.ErrUnknownSymbol
	}
	return s, nil
}

func (f *fakeScanner) Candles(symbol string, v model.Venue, tf time.Duration, limit int, withOpen bool) ([]model.Candle, error) {
	if _, ok := f.snaps[symbol]; !ok {
		return nil, engine.ErrUnknownSymbol
	}
	if tf != time.Minute {
		return nil, engine.ErrUnknownSeries
	}
	f.gotLimit, f.gotTF = limit, tf
	return f.bars, nil
}

func (f *fakeScanner) LastTrade(v model.Venue) time.Time {
	if v == model.VenueSpot {
		return f.lastTrade
	}
	return time.Time{}
}

type fakeStore struct {
	alerts      []model.Alert
	transitions []statemachine.Transition
	err         error
	gotLimit    int
	gotSymbol   string
}

func (f *fakeStore) RecentAlerts(_ context.Context, limit int) ([]model.Alert, error) {
	f.gotLimit = limit
	return f.alerts, f.err
}

func (f *fakeStore) Transitions(_ context.Context, symbol string, limit int) ([]statemachine.Transition, error) {
	f.gotSymbol, f.gotLimit = symbol, limit
	return f.transitions, f.err
}

func newTestServer(store *fakeStore) (*Server, *fakeScanner, *metrics.HealthStatus) {
	sc := &fakeScanner{
		snaps: map[string]model.StateSnapshot{
			"BTCUSDT": {Symbol: "BTCUSDT", State: model.StateAct, ActDirection: model.DirLong},
		},
		bars:      []model.Candle{{Symbol: "BTCUSDT", Venue: model.VenueSpot, Close: 101}},
		lastTrade: time.Now().Add(-time.Second),
	}
	health := metrics.NewHealthStatus([]string{"BTCUSDT"})
	d := Deps{Scanner: sc, Health: health}
	if store != nil {
		d.Alerts, d.Transitions = store, store
	}
	return NewServer(":0", d, zerolog.Nop()), sc, health
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var r Response
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("GET %s: bad body %q: %v", path, rec.Body.String(), err)
	}
	return rec, r
}

func TestHealth(t *testing.T) {
	s, _, health := newTestServer(nil)

	rec, _ := get(t, s, "/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no feeds: status = %d, want 503", rec.Code)
	}

	health.SetFeedConnected(model.VenueSpot, true)
	health.SetFeedConnected(model.VenuePerp, true)
	rec, r := get(t, s, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Errorf("feeds up: status = %d, want 200", rec.Code)
	}
	data, _ := r.Data.(map[string]any)
	if data["status"] != "healthy" {
		t.Errorf("health data = %v", r.Data)
	}
}

func TestState(t *testing.T) {
	s, _, _ := newTestServer(nil)

	rec, r := get(t, s, "/api/v1/state/BTCUSDT")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := r.Data.(map[string]any)
	if data["state"] != "ACT" || data["act_direction"] != "LONG" {
		t.Errorf("state data = %v", r.Data)
	}

	rec, _ = get(t, s, "/api/v1/state/DOGEUSDT")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown symbol status = %d, want 404", rec.Code)
	}

	rec, r = get(t, s, "/api/v1/state")
	all, _ := r.Data.(map[string]any)
	if rec.Code != http.StatusOK || len(all) != 1 {
		t.Errorf("all states = %d %v", rec.Code, r.Data)
	}
}

func TestCandles(t *testing.T) {
	s, sc, _ := newTestServer(nil)

	rec, r := get(t, s, "/api/v1/candles/BTCUSDT?tf=1m&limit=20")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if sc.gotLimit != 20 || sc.gotTF != time.Minute {
		t.Errorf("forwarded limit %d tf %s", sc.gotLimit, sc.gotTF)
	}
	if bars, _ := r.Data.([]any); len(bars) != 1 {
		t.Errorf("bars = %v", r.Data)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/candles/BTCUSDT", http.StatusOK},
		{"/api/v1/candles/BTCUSDT?venue=futures", http.StatusBadRequest},
		{"/api/v1/candles/BTCUSDT?limit=999999", http.StatusBadRequest},
		{"/api/v1/candles/BTCUSDT?tf=soon", http.StatusBadRequest},
		{"/api/v1/candles/BTCUSDT?tf=5m", http.StatusNotFound},
		{"/api/v1/candles/DOGEUSDT", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec, _ := get(t, s, tt.path); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestAlerts(t *testing.T) {
	store := &fakeStore{alerts: []model.Alert{
		{ID: "1", Symbol: "BTCUSDT", Pattern: model.Exec},
		{ID: "2", Symbol: "ETHUSDT", Pattern: model.Trap},
	}}
	s, _, _ := newTestServer(store)

	rec, r := get(t, s, "/api/v1/alerts")
	if rec.Code != http.StatusOK || store.gotLimit != 50 {
		t.Errorf("status %d, default limit %d", rec.Code, store.gotLimit)
	}
	if list, _ := r.Data.([]any); len(list) != 2 {
		t.Errorf("alerts = %v", r.Data)
	}

	_, r = get(t, s, "/api/v1/alerts?symbol=ETHUSDT&limit=5")
	list, _ := r.Data.([]any)
	if len(list) != 1 || store.gotLimit != 5 {
		t.Errorf("filtered alerts = %v (limit %d)", r.Data, store.gotLimit)
	}

	if rec, _ := get(t, s, "/api/v1/alerts?limit=0"); rec.Code != http.StatusOK {
		t.Errorf("limit=0 falls back to default, got %d", rec.Code)
	}
	if rec, _ := get(t, s, "/api/v1/alerts?limit=-3"); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", rec.Code)
	}

	store.err = errors.New("db locked")
	if rec, _ := get(t, s, "/api/v1/alerts"); rec.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d, want 500", rec.Code)
	}
}

func TestTransitions(t *testing.T) {
	store := &fakeStore{transitions: []statemachine.Transition{
		{Symbol: "BTCUSDT", From: model.StateWatch, To: model.StateAct, AtMs: 1, Reason: "IGNITION LONG"},
	}}
	s, _, _ := newTestServer(store)

	rec, r := get(t, s, "/api/v1/transitions?symbol=BTCUSDT")
	if rec.Code != http.StatusOK || store.gotSymbol != "BTCUSDT" {
		t.Errorf("status %d symbol %q", rec.Code, store.gotSymbol)
	}
	if list, _ := r.Data.([]any); len(list) != 1 {
		t.Errorf("transitions = %v", r.Data)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s, _, _ := newTestServer(nil)
	for _, p := range []string{"/api/v1/alerts", "/api/v1/transitions"} {
		if rec, _ := get(t, s, p); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", p, rec.Code)
		}
	}
}

func TestFeed(t *testing.T) {
	s, _, health := newTestServer(nil)
	health.SetFeedConnected(model.VenueSpot, true)

	_, r := get(t, s, "/api/v1/feed")
	data, _ := r.Data.(map[string]any)
	spot, _ := data["spot"].(map[string]any)
	perp, _ := data["perp"].(map[string]any)
	if spot["connected"] != true || spot["last_trade"] == nil {
		t.Errorf("spot feed = %v", spot)
	}
	if perp["connected"] != false || perp["last_trade"] != nil {
		t.Errorf("perp feed = %v", perp)
	}
}
