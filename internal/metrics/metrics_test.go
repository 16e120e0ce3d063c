package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

func TestNew_RegistersOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TradesTotal.WithLabelValues("spot").Inc()
	m.AlertsEmitted.WithLabelValues("IGNITION").Add(2)

	// A second instance on another registry must not panic.
	New(prometheus.NewRegistry())

	srv := NewServer(":0", reg, NewHealthStatus(nil), zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{`scanner_trades_total{venue="spot"} 1`, `scanner_alerts_emitted_total{pattern="IGNITION"} 2`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHealth(t *testing.T) {
	h := NewHealthStatus([]string{"BTCUSDT"})

	rep, code := h.Report()
	if rep.Status != "unhealthy" || code != http.StatusServiceUnavailable {
		t.Errorf("no feeds: %s %d", rep.Status, code)
	}

	h.SetFeedConnected(model.VenueSpot, true)
	if rep, _ := h.Report(); rep.Status != "degraded" {
		t.Errorf("one feed: %s", rep.Status)
	}

	h.SetFeedConnected(model.VenuePerp, true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("both feeds up: code %d", rec.Code)
	}
	var body Report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || !body.FeedConnected[model.VenuePerp] {
		t.Errorf("report = %+v", body)
	}

	h.SQLiteEnabled = true
	if rep, _ := h.Report(); rep.Status != "degraded" {
		t.Errorf("failed sqlite probe should degrade, got %s", rep.Status)
	}
}

func TestStateValue(t *testing.T) {
	if StateValue(model.StateIgnore) != 0 || StateValue(model.StateWatch) != 1 || StateValue(model.StateAct) != 2 {
		t.Error("state gauge mapping")
	}
}
