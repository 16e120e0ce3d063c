// Package metrics holds the scanner's Prometheus metrics, the dependency
// health status and the HTTP server exposing both.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

// Metrics holds all Prometheus metrics for the scanner.
type Metrics struct {
	// Ingest
	FeedMessages   *prometheus.CounterVec // labels: venue
	TradesTotal    *prometheus.CounterVec // labels: venue
	TradesDropped  *prometheus.CounterVec // labels: venue, reason
	CandlesClosed  *prometheus.CounterVec // labels: venue, tf
	FeedReconnects *prometheus.CounterVec // labels: venue

	// Indicators
	ChainRepairs   prometheus.Counter
	FullRecomputes prometheus.Counter

	// Analysis
	AnalysisDur        prometheus.Histogram
	AlertsEmitted      *prometheus.CounterVec // labels: pattern
	AlertsSuppressed   *prometheus.CounterVec // labels: reason
	AlertsDeduplicated prometheus.Counter
	Transitions        *prometheus.CounterVec // labels: from, to
	SymbolState        *prometheus.GaugeVec   // labels: symbol; 0=IGNORE 1=WATCH 2=ACT
	SymbolPanics       prometheus.Counter

	// Background work
	Reconciliations *prometheus.CounterVec // labels: result
	Backfills       *prometheus.CounterVec // labels: result
	PoolQueueDepth  prometheus.Gauge
	PoolDropped     prometheus.Counter
	RESTRetries     *prometheus.CounterVec // labels: endpoint

	// Sinks
	FanoutDrops              *prometheus.CounterVec // labels: sink
	RedisWriteDur            prometheus.Histogram
	SQLiteWriteDur           prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisWriteErrors         prometheus.Counter
	KafkaWrites              *prometheus.CounterVec // labels: result
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_feed_messages_total",
			Help: "Raw websocket messages received per venue",
		}, []string{"venue"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_trades_total",
			Help: "Trades accepted by the aggregators",
		}, []string{"venue"}),
		TradesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_trades_dropped_total",
			Help: "Trades dropped (malformed, late, foreign, unknown symbol)",
		}, []string{"venue", "reason"}),
		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_candles_closed_total",
			Help: "Candles closed by the aggregators",
		}, []string{"venue", "tf"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_feed_reconnects_total",
			Help: "Websocket reconnections",
		}, []string{"venue"}),

		ChainRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_chain_repairs_total",
			Help: "Indicator chain repairs after reconciliation",
		}),
		FullRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_full_recomputes_total",
			Help: "Full indicator recomputes triggered by a corrupted chain",
		}),

		AnalysisDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_analysis_duration_seconds",
			Help:    "Pattern detection and state transition latency per primary bar",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_alerts_emitted_total",
			Help: "Alerts delivered to sinks",
		}, []string{"pattern"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_alerts_suppressed_total",
			Help: "Detected patterns not emitted (low score, not in ACT)",
		}, []string{"reason"}),
		AlertsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_alerts_deduplicated_total",
			Help: "Alerts dropped as duplicates",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_state_transitions_total",
			Help: "State machine transitions",
		}, []string{"from", "to"}),
		SymbolState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scanner_symbol_state",
			Help: "Current state per symbol (0=IGNORE, 1=WATCH, 2=ACT)",
		}, []string{"symbol"}),
		SymbolPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_symbol_panics_total",
			Help: "Recovered panics in per-symbol processing",
		}),

		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_reconciliations_total",
			Help: "Bar reconciliations by result (ok, unchanged, failed, skipped)",
		}, []string{"result"}),
		Backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_backfills_total",
			Help: "Gap backfills by result (ok, failed, dropped, abandoned)",
		}, []string{"result"}),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_pool_queue_depth",
			Help: "Tasks waiting in the reconciliation pool",
		}),
		PoolDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_pool_dropped_total",
			Help: "Tasks dropped because the worker pool queue was full",
		}),
		RESTRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_rest_retries_total",
			Help: "Retried collaborator REST requests",
		}, []string{"endpoint"}),

		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_fanout_drops_total",
			Help: "Events dropped because a sink queue was full",
		}, []string{"sink"}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_sqlite_write_duration_seconds",
			Help:    "SQLite journal write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit breaker was open",
		}),
		RedisWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_redis_write_errors_total",
			Help: "Failed Redis writes while the circuit breaker was closed",
		}),
		KafkaWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_kafka_writes_total",
			Help: "Alert messages written to Kafka by result (ok, failed)",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.FeedMessages,
		m.TradesTotal,
		m.TradesDropped,
		m.CandlesClosed,
		m.FeedReconnects,
		m.ChainRepairs,
		m.FullRecomputes,
		m.AnalysisDur,
		m.AlertsEmitted,
		m.AlertsSuppressed,
		m.AlertsDeduplicated,
		m.Transitions,
		m.SymbolState,
		m.SymbolPanics,
		m.Reconciliations,
		m.Backfills,
		m.PoolQueueDepth,
		m.PoolDropped,
		m.RESTRetries,
		m.FanoutDrops,
		m.RedisWriteDur,
		m.SQLiteWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisWriteErrors,
		m.KafkaWrites,
	)
	return m
}

// StateValue maps a state to the SymbolState gauge value.
func StateValue(s model.State) float64 {
	switch s {
	case model.StateWatch:
		return 1
	case model.StateAct:
		return 2
	}
	return 0
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  map[model.Venue]bool `json:"feed_connected"`
	LastFeedError  string               `json:"last_feed_error"`
	LastTradeTime  time.Time            `json:"last_trade_time"`
	RedisConnected bool                 `json:"redis_connected"`
	SQLiteOK       bool                 `json:"sqlite_ok"`
	Symbols        []string             `json:"symbols"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// Optional dependencies: a disabled store does not degrade health.
	RedisEnabled  bool `json:"-"`
	SQLiteEnabled bool `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(symbols []string) *HealthStatus {
	return &HealthStatus{
		FeedConnected: make(map[model.Venue]bool),
		Symbols:       symbols,
		StartedAt:     time.Now(),
	}
}

// SetFeedConnected records a venue stream going up or down.
func (h *HealthStatus) SetFeedConnected(v model.Venue, up bool) {
	h.mu.Lock()
	h.FeedConnected[v] = up
	h.mu.Unlock()
}

// SetFeedError records the last feed error message.
func (h *HealthStatus) SetFeedError(msg string) {
	h.mu.Lock()
	h.LastFeedError = msg
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the journal database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker probes the enabled dependencies every interval until
// ctx is cancelled. rdb and sqlDB may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	h.mu.Lock()
	h.RedisEnabled, h.SQLiteEnabled = rdb != nil, sqlDB != nil
	h.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Report is the JSON body of the health endpoint.
type Report struct {
	Status          string               `json:"status"`
	Uptime          string               `json:"uptime"`
	FeedConnected   map[model.Venue]bool `json:"feed_connected"`
	LastFeedError   string               `json:"last_feed_error,omitempty"`
	LastTradeTime   string               `json:"last_trade_time"`
	TradeAge        string               `json:"trade_age"`
	RedisConnected  bool                 `json:"redis_connected"`
	RedisLatencyMs  float64              `json:"redis_latency_ms"`
	SQLiteOK        bool                 `json:"sqlite_ok"`
	SQLiteLatencyMs float64              `json:"sqlite_latency_ms"`
	Symbols         []string             `json:"symbols"`
	LastCheckAt     string               `json:"last_check_at"`
}

// Report snapshots the status. Degraded when a feed is down or an enabled
// store failed its last probe; unhealthy when every feed is down.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	feeds := make(map[model.Venue]bool, len(model.Venues))
	up := 0
	for _, v := range model.Venues {
		feeds[v] = h.FeedConnected[v]
		if feeds[v] {
			up++
		}
	}

	status, code := "healthy", http.StatusOK
	if up < len(model.Venues) || (h.RedisEnabled && !h.RedisConnected) || (h.SQLiteEnabled && !h.SQLiteOK) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if up == 0 {
		status = "unhealthy"
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}
	return Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   feeds,
		LastFeedError:   h.LastFeedError,
		LastTradeTime:   h.LastTradeTime.Format(time.RFC3339),
		TradeAge:        tradeAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Symbols:         h.Symbols,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  zerolog.Logger
}

// NewServer creates a metrics and health server over gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
