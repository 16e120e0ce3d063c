package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Alert is an emitted pattern or EXEC signal. Immutable once built.
type Alert struct {
	ID          string        `json:"id"`
	Symbol      string        `json:"symbol"`
	Pattern     PatternType   `json:"pattern"`
	Score       float64       `json:"score"`
	Regime      FlowRegime    `json:"regime"`
	Price       float64       `json:"price"`
	CandleTsMs  int64         `json:"candle_ts"`
	EmittedAtMs int64         `json:"emitted_at"`
	Direction   Direction     `json:"direction,omitempty"`
	Timeframe   time.Duration `json:"timeframe"`
	Strength    float64       `json:"strength,omitempty"` // EXEC only
	Message     string        `json:"message,omitempty"`
}

// IsExecution reports whether the alert came from the execution sub-pipeline.
func (a *Alert) IsExecution() bool { return a.Pattern == Exec }

// DedupKey identifies the event an alert describes: symbol, pattern, candle.
type DedupKey struct {
	Symbol     string
	Pattern    PatternType
	CandleTsMs int64
}

// Key returns the dedup key of a.
func (a *Alert) Key() DedupKey {
	return DedupKey{Symbol: a.Symbol, Pattern: a.Pattern, CandleTsMs: a.CandleTsMs}
}

func (a *Alert) String() string {
	return fmt.Sprintf("[%s] %s | %s | %s | score %.1f %s",
		a.Timeframe, a.Symbol, a.Pattern, a.Regime, a.Score, a.Direction)
}

// JSON encodes the alert. Alert has no unencodable fields, so the error is dropped.
func (a *Alert) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
