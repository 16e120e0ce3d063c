// cmd/simfeed — simulated two-venue trade feed for running the scanner
// without exchange connectivity.
//
// Serves spot and perp trade streams over WebSocket and the bars/trades
// REST endpoints the scanner seeds and backfills from.
//
// Config (env vars):
//
//	SIMFEED_ADDR         listen address (default ":9001")
//	SIMFEED_SYMBOLS      comma-separated symbols (default "BTCUSDT,ETHUSDT")
//	SIMFEED_INTERVAL_MS  tick interval in milliseconds (default "250")
//	SIMFEED_TRADES       trades per venue per symbol per tick (default "3")
//	SIMFEED_HISTORY      generated history span (default "24h")
//	SIMFEED_SEED         random seed (default: time based)
//	SIMFEED_TOTP_SECRET  require one-time codes when set
//	LOG_LEVEL, LOG_FORMAT
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"flowscanner/internal/logger"
)

func main() {
	_ = godotenv.Load()

	log, err := logger.Init("simfeed", envOrDefault("LOG_LEVEL", "info"), envOrDefault("LOG_FORMAT", "console"))
	if err != nil {
		log.Fatal().Err(err).Msg("logger init failed")
	}

	addr := envOrDefault("SIMFEED_ADDR", ":9001")
	symbols := parseSymbols(envOrDefault("SIMFEED_SYMBOLS", "BTCUSDT,ETHUSDT"))
	interval := time.Duration(envIntOrDefault("SIMFEED_INTERVAL_MS", 250)) * time.Millisecond
	perTick := envIntOrDefault("SIMFEED_TRADES", 3)
	history, err := time.ParseDuration(envOrDefault("SIMFEED_HISTORY", "24h"))
	if err != nil {
		log.Fatal().Err(err).Msg("bad SIMFEED_HISTORY")
	}
	seed := uint64(time.Now().UnixNano())
	if v := os.Getenv("SIMFEED_SEED"); v != "" {
		if seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			log.Fatal().Err(err).Msg("bad SIMFEED_SEED")
		}
	}
	if len(symbols) == 0 || interval <= 0 || perTick <= 0 {
		log.Fatal().Msg("SIMFEED_SYMBOLS, SIMFEED_INTERVAL_MS and SIMFEED_TRADES must be non-empty and positive")
	}

	mkt := newMarket(symbols, history+time.Hour, seed)
	start := time.Now()
	// History is sparser than live ticks so it stays bounded in memory.
	mkt.backfill(start, history, time.Second)
	log.Info().Strs("symbols", symbols).Dur("history", history).Dur("interval", interval).Msg("market ready")

	srv := newServer(mkt, os.Getenv("SIMFEED_TOTP_SECRET"), logger.Component("server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runGenerator(ctx, mkt, srv, interval, perTick)

	go func() {
		log.Info().Str("addr", addr).Msg("listening (ws /ws/spot, /ws/perp)")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func runGenerator(ctx context.Context, mkt *market, srv *server, interval time.Duration, perTick int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.publish(mkt.step(now, perTick))
		}
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
