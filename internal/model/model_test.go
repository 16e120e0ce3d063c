package model

import (
	"math"
	"testing"
)

func TestTradeDelta(t *testing.T) {
	buy := Trade{Qty: 2, TakerSide: SideBuy}
	sell := Trade{Qty: 3, TakerSide: SideSell}
	if buy.Delta() != 2 {
		t.Errorf("buy delta = %v, want 2", buy.Delta())
	}
	if sell.Delta() != -3 {
		t.Errorf("sell delta = %v, want -3", sell.Delta())
	}
}

func TestTradeValidate(t *testing.T) {
	good := Trade{Symbol: "BTCUSDT", Venue: VenueSpot, Price: 100, Qty: 1, TimestampMs: 1, TakerSide: SideBuy}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid trade rejected: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Trade)
	}{
		{"nan price", func(tr *Trade) { tr.Price = math.NaN() }},
		{"inf qty", func(tr *Trade) { tr.Qty = math.Inf(1) }},
		{"zero price", func(tr *Trade) { tr.Price = 0 }},
		{"venue", func(tr *Trade) { tr.Venue = "margin" }},
		{"side", func(tr *Trade) { tr.TakerSide = "" }},
		{"symbol", func(tr *Trade) { tr.Symbol = "" }},
	}
	for _, tt := range tests {
		tr := good
		tt.mut(&tr)
		if err := tr.Validate(); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestStateSnapshotCloneIsIndependent(t *testing.T) {
	s := NewStateSnapshot("ETHUSDT", StateWatch)
	s.AddActive(Ignition)
	s.AddReason("entered WATCH")
	s.Permission = &PermissionSnapshot{Bias: BiasBullish, Allowed: true, Reasons: []string{"ok"}}

	c := s.Clone()
	s.AddActive(Trap)
	s.AddReason("more")
	s.Permission.Reasons[0] = "mutated"
	s.Permission.Allowed = false

	if len(c.ActivePatterns) != 1 || len(c.Reasons) != 1 {
		t.Errorf("clone shares slices: %+v", c)
	}
	if !c.Permission.Allowed || c.Permission.Reasons[0] != "ok" {
		t.Errorf("clone shares permission: %+v", c.Permission)
	}
}

func TestAddReasonBounded(t *testing.T) {
	s := NewStateSnapshot("X", StateIgnore)
	for i := 0; i < MaxReasons+25; i++ {
		s.AddReason("r")
	}
	if len(s.Reasons) != MaxReasons {
		t.Errorf("reasons = %d, want %d", len(s.Reasons), MaxReasons)
	}
}

func TestParsePatternSet(t *testing.T) {
	set, err := ParsePatternSet([]string{"IGNITION", "TRAP", "IGNITION"})
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 || !set.Has(Trap) || set.Has(Pullback) {
		t.Errorf("set = %v", set)
	}
	if _, err := ParsePatternSet([]string{"EXEC"}); err == nil {
		t.Error("EXEC must not be a configurable pattern")
	}
}

func TestBiasConflicts(t *testing.T) {
	if !BiasBullish.Conflicts(DirShort) || !BiasBearish.Conflicts(DirLong) {
		t.Error("expected conflicts")
	}
	if BiasNeutral.Conflicts(DirShort) || BiasBullish.Conflicts(DirLong) {
		t.Error("unexpected conflict")
	}
}
