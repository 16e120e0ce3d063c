package regime

import (
	"testing"

	"flowscanner/internal/model"
)

func pct(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		in   Input
		want model.FlowRegime
	}{
		{"dead market", Input{ATRPercentile: pct(10), SpotZ: 3, PerpZ: 3, SpotSlope: 5, PerpSlope: 5}, model.Neutral},
		{"quiet flow", Input{ATRPercentile: pct(50), SpotZ: 0.4, PerpZ: -0.5}, model.Neutral},
		{"bullish", Input{ATRPercentile: pct(50), SpotZ: 2, PerpZ: 2, SpotSlope: 1, PerpSlope: 1}, model.BullishConsensus},
		{"bearish", Input{ATRPercentile: pct(50), SpotZ: -2, PerpZ: -2, SpotSlope: -1, PerpSlope: -1}, model.BearishConsensus},
		{"conflict", Input{ATRPercentile: pct(50), SpotZ: 2, PerpZ: -2, SpotSlope: 1, PerpSlope: -1}, model.Conflict},
		{"spot by raw", Input{ATRPercentile: pct(50), SpotZ: 1, PerpZ: 0.1, SpotSlope: 40, PerpSlope: 10}, model.SpotDominant},
		// Perp is the active venue by z but spot is moving more raw volume.
		{"raw beats z", Input{ATRPercentile: pct(50), SpotZ: 0.2, PerpZ: 3, SpotSlope: 90, PerpSlope: 10}, model.SpotDominant},
		{"perp by raw", Input{ATRPercentile: pct(50), SpotZ: 0.2, PerpZ: 3, SpotSlope: 5, PerpSlope: 10}, model.PerpDominant},
		{"raw tie z breaks", Input{ATRPercentile: pct(50), SpotZ: 0.1, PerpZ: 2, SpotSlope: 7, PerpSlope: -7}, model.PerpDominant},
		{"raw tie spot z larger", Input{ATRPercentile: pct(50), SpotZ: 1, PerpZ: -0.1, SpotSlope: 7, PerpSlope: 7}, model.SpotDominant},
		{"nil percentile skips gate", Input{SpotZ: 2, PerpZ: 2}, model.BullishConsensus},
	}
	for _, tt := range tests {
		if got := Classify(tt.in, th); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClassify_Symmetry(t *testing.T) {
	th := DefaultThresholds()
	for _, x := range []float64{0.6, 1, 2.5, 10} {
		up := Input{ATRPercentile: pct(60), SpotZ: x, PerpZ: x, SpotSlope: x, PerpSlope: x}
		down := Input{ATRPercentile: pct(60), SpotZ: -x, PerpZ: -x, SpotSlope: -x, PerpSlope: -x}
		mixed := Input{ATRPercentile: pct(60), SpotZ: x, PerpZ: -x, SpotSlope: x, PerpSlope: -x}
		if Classify(up, th) != model.BullishConsensus {
			t.Errorf("x=%v: expected bullish", x)
		}
		if Classify(down, th) != model.BearishConsensus {
			t.Errorf("x=%v: expected bearish", x)
		}
		if Classify(mixed, th) != model.Conflict {
			t.Errorf("x=%v: expected conflict", x)
		}
	}
}

func TestAligned(t *testing.T) {
	in := Input{SpotSlope: 3, PerpSlope: -1}
	if !Aligned(model.SpotDominant, in, model.DirLong) {
		t.Error("spot-led up move should align long")
	}
	if Aligned(model.SpotDominant, in, model.DirShort) {
		t.Error("spot-led up move should not align short")
	}
	if !Aligned(model.PerpDominant, in, model.DirShort) {
		t.Error("perp-led down move should align short")
	}
	if Aligned(model.Conflict, in, model.DirLong) || Aligned(model.Neutral, in, model.DirShort) {
		t.Error("conflict/neutral never align")
	}
	if Aligned(model.BullishConsensus, in, model.DirNone) {
		t.Error("no direction never aligns")
	}
}

func TestFromCandle(t *testing.T) {
	c := &model.Candle{ATRPercentile: pct(70), FlowSlope: model.F(4), FlowSlopeZ: model.F(1.5)}
	in := FromCandle(c, -2, -0.7)
	if in.SpotSlope != 4 || in.SpotZ != 1.5 || in.PerpSlope != -2 || in.PerpZ != -0.7 || *in.ATRPercentile != 70 {
		t.Errorf("input = %+v", in)
	}
	if in := FromCandle(&model.Candle{}, 0, 0); in.SpotZ != 0 || in.ATRPercentile != nil {
		t.Errorf("unset fields should read as zero/nil: %+v", in)
	}
}
