package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowscanner/internal/model"
	"flowscanner/internal/scoring"
	"flowscanner/internal/statemachine"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanner.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Symbols) != 3 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
	if cfg.Timeframes.Execution != time.Minute || cfg.Timeframes.Primary != 3*time.Minute || cfg.Timeframes.Permission != 15*time.Minute {
		t.Errorf("timeframes = %+v", cfg.Timeframes)
	}
	if cfg.Indicator.ATRPeriod != 14 || cfg.Pattern.TrapSweepATR != 0.25 || cfg.Regime.SlopeZ != 0.5 {
		t.Errorf("analysis defaults not applied: %+v %+v %+v", cfg.Indicator, cfg.Pattern, cfg.Regime)
	}
	if cfg.Pool.Workers != 16 || cfg.Engine.DedupCapacity != 10000 || cfg.Engine.SeedBars != 500 {
		t.Errorf("engine defaults = %+v pool %+v", cfg.Engine, cfg.Pool)
	}
	if cfg.Feed.Spot.URL == "" || cfg.Feed.Spot.Backoff.Max != 30*time.Second {
		t.Errorf("feed defaults = %+v", cfg.Feed.Spot)
	}
	if cfg.Redis.Enabled || cfg.SQLite.Enabled || cfg.Kafka.Enabled {
		t.Error("stores must be off by default")
	}

	r, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := statemachine.DefaultPolicy()
	if len(r.Policy.ActEligible) != len(want.ActEligible) || r.Policy.MaxAct != want.MaxAct || r.Policy.Initial != model.StateWatch {
		t.Errorf("policy = %+v, want %+v", r.Policy, want)
	}
	if r.Scorer != scoring.New(scoring.DefaultWeights(), scoring.DefaultMinScore) {
		t.Errorf("scorer = %+v", r.Scorer)
	}
	if r.Engine.Timeframes.Primary != 3*time.Minute || r.Engine.HistoryCapacity != 1000 {
		t.Errorf("engine config = %+v", r.Engine)
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := writeYAML(t, `
symbols: [BTCUSDT]
timeframes:
  primary: 5m
  permission: 1h
scoring:
  weights:
    CONTEXT: 5
  min_score: 60
state:
  act_eligible: [IGNITION]
  max_act: 10m
pattern:
  volume_spike: 2.5
redis:
  enabled: true
  addr: redis:6379
`)
	cfg, err := load(path, env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Symbols) != 1 || cfg.Timeframes.Primary != 5*time.Minute || cfg.Timeframes.Permission != time.Hour {
		t.Errorf("overrides not applied: %v %+v", cfg.Symbols, cfg.Timeframes)
	}
	if cfg.Timeframes.Execution != time.Minute {
		t.Errorf("unset field lost its default: %s", cfg.Timeframes.Execution)
	}
	if cfg.Pattern.VolumeSpike != 2.5 || cfg.Pattern.ImpulseATR != 2.0 {
		t.Errorf("pattern = %+v", cfg.Pattern)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}

	r, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Scorer.W.Context != 5 || r.Scorer.W.Base != 50 || r.Scorer.Min != 60 {
		t.Errorf("partial weight override = %+v", r.Scorer)
	}
	if len(r.Policy.ActEligible) != 1 || r.Policy.ActEligible[0] != model.Ignition || r.Policy.MaxAct != 10*time.Minute {
		t.Errorf("policy = %+v", r.Policy)
	}
}

func TestLoad_Env(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"SCANNER_SYMBOLS":       " ETHUSDT , SOLUSDT ,",
		"SCANNER_SQLITE_PATH":   "/tmp/j.db",
		"SCANNER_KAFKA_BROKERS": "k1:9092,k2:9092",
		"SCANNER_LOG_LEVEL":     "debug",
		"SCANNER_MIN_SCORE":     "70",
		"SCANNER_API_ADDR":      ":18080",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[1] != "SOLUSDT" {
		t.Errorf("symbols = %q", cfg.Symbols)
	}
	if !cfg.SQLite.Enabled || cfg.SQLite.Path != "/tmp/j.db" {
		t.Errorf("sqlite = %+v", cfg.SQLite)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Log.Level != "debug" || cfg.Scoring.MinScore != 70 || cfg.API.Addr != ":18080" {
		t.Errorf("env overrides = %+v %v %s", cfg.Log, cfg.Scoring.MinScore, cfg.API.Addr)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"no symbols", "symbols: []", nil},
		{"duplicate symbol", "symbols: [BTCUSDT, BTCUSDT]", nil},
		{"timeframe order", "timeframes: {execution: 5m, primary: 3m}", nil},
		{"sub-second timeframe", "timeframes: {execution: 500ms}", nil},
		{"bad log level", "log: {level: loud}", nil},
		{"kafka without brokers", "kafka: {enabled: true}", nil},
		{"telegram without chat", "telegram: {bot_token: abc}", nil},
		{"min score range", "scoring: {min_score: 150}", nil},
		{"bad min score env", "", map[string]string{"SCANNER_MIN_SCORE": "high"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.yaml != "" {
				path = writeYAML(t, tt.yaml)
			}
			_, err := load(path, env(tt.env))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestResolve_UnknownNames(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*Config)
	}{
		{"pattern", func(c *Config) { c.State.ActEligible = []string{"IGNITION", "MOONSHOT"} }},
		{"exec is not a pattern", func(c *Config) { c.State.WatchEligible = []string{"EXEC"} }},
		{"weight", func(c *Config) { c.Scoring.Weights = map[string]float64{"luck": 10} }},
		{"negative weight", func(c *Config) { c.Scoring.Weights = map[string]float64{"BASE_PATTERN": -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load("", env(nil))
			if err != nil {
				t.Fatal(err)
			}
			tt.apply(cfg)
			if _, err := cfg.Resolve(); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "nope.yaml"), env(nil)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := load("../configs/scanner.example.yaml", env(nil))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if _, err := cfg.Resolve(); err != nil {
		t.Fatalf("example config resolve: %v", err)
	}
}
