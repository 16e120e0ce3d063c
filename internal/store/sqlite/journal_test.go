package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/model"
	"flowscanner/internal/statemachine"
)

func openTestJournal(t *testing.T, cfg Config) *Journal {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// runUntilDrained starts Run, lets fn enqueue, then cancels and waits for
// the final flush.
func runUntilDrained(t *testing.T, j *Journal, fn func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	fn()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func alertAt(id string, emitted int64) model.Alert {
	return model.Alert{
		ID:          id,
		Symbol:      "BTCUSDT",
		Pattern:     model.Exec,
		Score:       77.5,
		Regime:      model.BullishConsensus,
		Price:       64000.25,
		CandleTsMs:  emitted - 60_000,
		EmittedAtMs: emitted,
		Direction:   model.DirLong,
		Timeframe:   time.Minute,
		Strength:    1.8,
		Message:     "confirmed",
	}
}

func TestJournal_AlertsRoundTrip(t *testing.T) {
	j := openTestJournal(t, Config{})
	var commits int
	j.OnWrite = func(time.Duration) { commits++ }

	runUntilDrained(t, j, func() {
		j.OnAlert(alertAt("a", 1_000_000))
		j.RecordAlert(alertAt("b", 2_000_000))
		j.RecordAlert(alertAt("b", 2_000_000)) // duplicate id ignored
	})

	got, err := j.RecentAlerts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d alerts, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = %s,%s, want newest first", got[0].ID, got[1].ID)
	}
	if got[0] != alertAt("b", 2_000_000) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got[0], alertAt("b", 2_000_000))
	}
	if commits == 0 {
		t.Error("OnWrite never called")
	}
}

func TestJournal_RecentAlertsLimit(t *testing.T) {
	j := openTestJournal(t, Config{BatchSize: 2})
	runUntilDrained(t, j, func() {
		for i := 0; i < 5; i++ {
			j.RecordAlert(alertAt(string(rune('a'+i)), int64(i+1)*1000))
		}
	})
	got, err := j.RecentAlerts(context.Background(), 3)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 3 || got[0].ID != "e" {
		t.Errorf("got %d alerts, first %v", len(got), got)
	}
}

func TestJournal_Transitions(t *testing.T) {
	j := openTestJournal(t, Config{})
	runUntilDrained(t, j, func() {
		j.RecordTransition(statemachine.Transition{Symbol: "BTCUSDT", From: model.StateIgnore, To: model.StateWatch, AtMs: 1, Reason: "IGNITION detected"})
		j.RecordTransition(statemachine.Transition{Symbol: "ETHUSDT", From: model.StateWatch, To: model.StateAct, AtMs: 2, Reason: "TRAP LONG"})
		j.RecordTransition(statemachine.Transition{Symbol: "BTCUSDT", From: model.StateWatch, To: model.StateAct, AtMs: 3, Reason: "IGNITION LONG"})
	})

	btc, err := j.Transitions(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(btc) != 2 || btc[0].To != model.StateAct || btc[1].From != model.StateIgnore {
		t.Errorf("BTCUSDT transitions = %+v", btc)
	}

	all, err := j.Transitions(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(all) != 3 || all[1].Symbol != "ETHUSDT" {
		t.Errorf("all transitions = %+v", all)
	}
}

func TestJournal_DropsWhenQueueFull(t *testing.T) {
	j := openTestJournal(t, Config{QueueSize: 1})
	drops := 0
	j.OnDrop = func() { drops++ }
	j.RecordAlert(alertAt("a", 1))
	j.RecordAlert(alertAt("b", 2))
	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
}

func TestJournal_Ping(t *testing.T) {
	j := openTestJournal(t, Config{})
	if err := j.DB().PingContext(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
