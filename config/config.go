// Package config loads scanner configuration: struct-tag defaults, an
// optional YAML file, then SCANNER_* environment overrides, validated as a
// whole. Resolve turns the string-keyed sections into typed engine inputs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"flowscanner/internal/engine"
	"flowscanner/internal/indicator"
	"flowscanner/internal/marketdata/feed"
	"flowscanner/internal/marketdata/rest"
	"flowscanner/internal/model"
	"flowscanner/internal/pattern"
	"flowscanner/internal/regime"
	"flowscanner/internal/scoring"
	"flowscanner/internal/statemachine"
	"flowscanner/internal/workerpool"
)

// ErrInvalid wraps every validation and resolution failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Service string   `yaml:"service" default:"flowscanner"`
	Symbols []string `yaml:"symbols" default:"[\"BTCUSDT\",\"ETHUSDT\",\"SOLUSDT\"]" validate:"min=1,dive,required"`

	Timeframes TimeframesConfig   `yaml:"timeframes"`
	Indicator  indicator.Params   `yaml:"indicator"`
	Regime     regime.Thresholds  `yaml:"regime"`
	Pattern    pattern.Thresholds `yaml:"pattern"`
	Scoring    ScoringConfig      `yaml:"scoring"`
	State      StateConfig        `yaml:"state"`
	Engine     EngineConfig       `yaml:"engine"`
	Pool       workerpool.Config  `yaml:"pool"`

	Log  LogConfig   `yaml:"log"`
	Feed FeedConfig  `yaml:"feed"`
	REST rest.Config `yaml:"rest"`

	Redis    RedisConfig    `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Telegram TelegramConfig `yaml:"telegram"`
	Fanout   FanoutConfig   `yaml:"fanout"`

	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TimeframesConfig names the three analysis timeframes.
type TimeframesConfig struct {
	Execution  time.Duration `yaml:"execution" default:"1m" validate:"gte=1s"`
	Primary    time.Duration `yaml:"primary" default:"3m" validate:"gte=1s"`
	Permission time.Duration `yaml:"permission" default:"15m" validate:"gte=1s"`
}

// ScoringConfig keys weights by component name: BASE_PATTERN,
// FLOW_ALIGNMENT, VOLATILITY, CONTEXT. Omitted components keep their
// defaults.
type ScoringConfig struct {
	Weights  map[string]float64 `yaml:"weights" default:"{\"BASE_PATTERN\":50,\"FLOW_ALIGNMENT\":20,\"VOLATILITY\":15,\"CONTEXT\":15}"`
	MinScore float64            `yaml:"min_score" default:"50" validate:"gte=0,lte=100"`
}

// StateConfig configures the IGNORE/WATCH/ACT machine by pattern name.
type StateConfig struct {
	WatchEligible []string      `yaml:"watch_eligible" default:"[\"VWAP_RECLAIM\",\"IGNITION\",\"PULLBACK\",\"TRAP\",\"FAILED_BREAKOUT\"]"`
	ActEligible   []string      `yaml:"act_eligible" default:"[\"VWAP_RECLAIM\",\"IGNITION\",\"PULLBACK\",\"TRAP\"]"`
	Disqualifying []string      `yaml:"disqualifying" default:"[\"FAILED_BREAKOUT\"]"`
	MaxAct        time.Duration `yaml:"max_act" default:"30m" validate:"gte=0"`
	MaxWatch      time.Duration `yaml:"max_watch" default:"60m" validate:"gte=0"`
	Initial       string        `yaml:"initial" default:"WATCH" validate:"oneof=IGNORE WATCH ACT"`
}

// EngineConfig sizes per-symbol history and the engine's timers.
type EngineConfig struct {
	HistoryCapacity  int           `yaml:"history_capacity" default:"1000" validate:"gte=100"`
	SeedBars         int           `yaml:"seed_bars" default:"500" validate:"gte=0"`
	GapThreshold     time.Duration `yaml:"gap_threshold" default:"2s" validate:"gt=0"`
	BackfillHold     int           `yaml:"backfill_hold" default:"100000" validate:"gte=1"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" default:"1s" validate:"gt=0"`
	LogInterval      time.Duration `yaml:"log_interval" default:"30s"`
	DedupCapacity    int           `yaml:"dedup_capacity" default:"10000" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
}

// FeedConfig configures both venue streams.
type FeedConfig struct {
	Spot       feed.Config `yaml:"spot"`
	Perp       feed.Config `yaml:"perp"`
	TOTPSecret string      `yaml:"totp_secret"`
}

// SetDefaults points both venues at a local collaborator.
func (f *FeedConfig) SetDefaults() {
	if f.Spot.URL == "" {
		f.Spot.URL = "ws://localhost:9001/ws/spot"
	}
	if f.Perp.URL == "" {
		f.Perp.URL = "ws://localhost:9001/ws/perp"
	}
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" default:"localhost:6379" validate:"required_if=Enabled true"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix" default:"flowscanner"`
	StreamMaxLen int64         `yaml:"stream_max_len" default:"10000"`
	StateTTL     time.Duration `yaml:"state_ttl" default:"30m"`
	BufferSize   int           `yaml:"buffer_size" default:"10000"`
}

type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" default:"data/journal.db" validate:"required_if=Enabled true"`
}

type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic       string   `yaml:"topic" default:"flowscanner.alerts"`
	Compression string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id" validate:"required_with=BotToken"`
}

type FanoutConfig struct {
	Buffer int `yaml:"buffer" default:"256" validate:"gte=1"`
}

type APIConfig struct {
	Addr         string `yaml:"addr" default:":8080"`
	StreamReplay int    `yaml:"stream_replay" default:"500" validate:"gte=1"` // envelopes kept for /stream/missed
}

type MetricsConfig struct {
	Addr           string        `yaml:"addr" default:":9090"`
	HealthInterval time.Duration `yaml:"health_interval" default:"10s"`
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SCANNER_* variables. Setting a store's address turns
// that store on.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) bool {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
			return true
		}
		return false
	}

	var symbols, brokers string
	if str("SCANNER_SYMBOLS", &symbols) {
		c.Symbols = splitList(symbols)
	}
	str("SCANNER_FEED_SPOT_URL", &c.Feed.Spot.URL)
	str("SCANNER_FEED_PERP_URL", &c.Feed.Perp.URL)
	str("SCANNER_FEED_TOTP_SECRET", &c.Feed.TOTPSecret)
	str("SCANNER_REST_URL", &c.REST.BaseURL)
	if str("SCANNER_REDIS_ADDR", &c.Redis.Addr) {
		c.Redis.Enabled = true
	}
	str("SCANNER_REDIS_PASSWORD", &c.Redis.Password)
	if str("SCANNER_SQLITE_PATH", &c.SQLite.Path) {
		c.SQLite.Enabled = true
	}
	if str("SCANNER_KAFKA_BROKERS", &brokers) {
		c.Kafka.Brokers = splitList(brokers)
		c.Kafka.Enabled = true
	}
	str("SCANNER_KAFKA_TOPIC", &c.Kafka.Topic)
	str("SCANNER_WEBHOOK_URL", &c.Webhook.URL)
	str("SCANNER_TELEGRAM_TOKEN", &c.Telegram.BotToken)
	str("SCANNER_TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	str("SCANNER_LOG_LEVEL", &c.Log.Level)
	str("SCANNER_LOG_FORMAT", &c.Log.Format)
	str("SCANNER_API_ADDR", &c.API.Addr)
	str("SCANNER_METRICS_ADDR", &c.Metrics.Addr)

	var minScore string
	if str("SCANNER_MIN_SCORE", &minScore) {
		v, err := strconv.ParseFloat(minScore, 64)
		if err != nil {
			return fmt.Errorf("%w: SCANNER_MIN_SCORE: %v", ErrInvalid, err)
		}
		c.Scoring.MinScore = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	tf := c.Timeframes
	if !(tf.Execution < tf.Primary && tf.Primary < tf.Permission) {
		return fmt.Errorf("%w: timeframes must satisfy execution < primary < permission, got %s/%s/%s",
			ErrInvalid, tf.Execution, tf.Primary, tf.Permission)
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if seen[s] {
			return fmt.Errorf("%w: duplicate symbol %s", ErrInvalid, s)
		}
		seen[s] = true
	}
	return nil
}

// Resolved is the typed form of the analysis sections.
type Resolved struct {
	Engine engine.Config
	Policy statemachine.Policy
	Scorer scoring.Scorer
}

// Resolve converts pattern names and weight keys into typed values,
// failing on any unknown name.
func (c *Config) Resolve() (Resolved, error) {
	var r Resolved
	var err error

	p := &r.Policy
	if p.WatchEligible, err = model.ParsePatternSet(c.State.WatchEligible); err != nil {
		return r, fmt.Errorf("%w: state.watch_eligible: %v", ErrInvalid, err)
	}
	if p.ActEligible, err = model.ParsePatternSet(c.State.ActEligible); err != nil {
		return r, fmt.Errorf("%w: state.act_eligible: %v", ErrInvalid, err)
	}
	if p.Disqualifying, err = model.ParsePatternSet(c.State.Disqualifying); err != nil {
		return r, fmt.Errorf("%w: state.disqualifying: %v", ErrInvalid, err)
	}
	if p.Initial, err = model.ParseState(c.State.Initial); err != nil {
		return r, fmt.Errorf("%w: state.initial: %v", ErrInvalid, err)
	}
	p.MaxAct, p.MaxWatch = c.State.MaxAct, c.State.MaxWatch

	w, err := resolveWeights(c.Scoring.Weights)
	if err != nil {
		return r, err
	}
	r.Scorer = scoring.New(w, c.Scoring.MinScore)

	r.Engine = engine.Config{
		Symbols: append([]string(nil), c.Symbols...),
		Timeframes: engine.Timeframes{
			Execution:  c.Timeframes.Execution,
			Primary:    c.Timeframes.Primary,
			Permission: c.Timeframes.Permission,
		},
		HistoryCapacity:  c.Engine.HistoryCapacity,
		SeedBars:         c.Engine.SeedBars,
		GapThreshold:     c.Engine.GapThreshold,
		BackfillHold:     c.Engine.BackfillHold,
		SnapshotInterval: c.Engine.SnapshotInterval,
		LogInterval:      c.Engine.LogInterval,
		DedupCapacity:    c.Engine.DedupCapacity,
		Indicator:        c.Indicator,
		Regime:           c.Regime,
		Pattern:          c.Pattern,
	}
	return r, nil
}

func resolveWeights(m map[string]float64) (scoring.Weights, error) {
	for k, v := range m {
		if v < 0 {
			return scoring.Weights{}, fmt.Errorf("%w: scoring.weights.%s is negative", ErrInvalid, k)
		}
	}
	w, err := scoring.ParseWeights(m)
	if err != nil {
		return w, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return w, nil
}
