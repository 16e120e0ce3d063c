// cmd/scanner — the flow scanner service.
//
// Streams spot and perp trades, builds candles per symbol, runs the
// regime/pattern/state analysis and fans alerts and state snapshots out to
// the configured sinks. Serves the query API and Prometheus metrics.
//
// Config: a YAML file (-config, or SCANNER_CONFIG) overlaid by SCANNER_*
// environment variables; see configs/scanner.example.yaml.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flowscanner/config"
	"flowscanner/internal/api"
	"flowscanner/internal/engine"
	"flowscanner/internal/logger"
	"flowscanner/internal/marketdata/auth"
	"flowscanner/internal/marketdata/feed"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/marketdata/rest"
	"flowscanner/internal/metrics"
	"flowscanner/internal/model"
	"flowscanner/internal/notification"
	"flowscanner/internal/session"
	"flowscanner/internal/statemachine"
	kafkastore "flowscanner/internal/store/kafka"
	redisstore "flowscanner/internal/store/redis"
	sqlitestore "flowscanner/internal/store/sqlite"
	"flowscanner/internal/workerpool"
)

func main() {
	_ = godotenv.Load()

	path := flag.String("config", os.Getenv("SCANNER_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		l := logger.Component("main")
		l.Fatal().Err(err).Msg("config load failed")
	}
	log, err := logger.Init(cfg.Service, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		l := logger.Component("main")
		l.Fatal().Err(err).Msg("logger init failed")
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		log.Fatal().Err(err).Msg("config resolve failed")
	}
	log.Info().Strs("symbols", cfg.Symbols).
		Dur("execution_tf", cfg.Timeframes.Execution).
		Dur("primary_tf", cfg.Timeframes.Primary).
		Dur("permission_tf", cfg.Timeframes.Permission).
		Str("session", session.StatusString(time.Now())).
		Msg("starting")

	if err := run(cfg, resolved, log); err != nil {
		log.Fatal().Err(err).Msg("scanner stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, resolved config.Resolved, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus(cfg.Symbols)

	// ---- Collaborator REST client ----
	otp, err := auth.New(cfg.Feed.TOTPSecret)
	if err != nil {
		return err
	}
	md := rest.New(cfg.REST, otp, logger.Component("rest"))
	md.OnRetry = func(endpoint string) { prom.RESTRetries.WithLabelValues(endpoint).Inc() }

	// ---- Sinks ----
	fanout := notification.NewFanout(cfg.Fanout.Buffer, logger.Component("fanout"))
	fanout.OnDrop = func(sink string) { prom.FanoutDrops.WithLabelValues(sink).Inc() }
	fanout.Add("log", notification.NewLogSink(logger.Component("alerts")))

	var (
		rdb       *goredis.Client
		sqlDB     *sql.DB
		publisher *redisstore.Publisher
		journal   *sqlitestore.Journal
		producer  *kafkastore.Producer
	)

	if cfg.Redis.Enabled {
		publisher, err = openRedis(cfg.Redis, prom, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed, continuing without redis")
		} else {
			rdb = publisher.Client()
			fanout.Add("redis", publisher)
			defer publisher.Close()
		}
	}

	if cfg.SQLite.Enabled {
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		journal, err = sqlitestore.Open(sqlitestore.Config{Path: cfg.SQLite.Path}, logger.Component("journal"))
		if err != nil {
			return err
		}
		defer journal.Close()
		journal.OnWrite = func(d time.Duration) { prom.SQLiteWriteDur.Observe(d.Seconds()) }
		journal.OnDrop = func() { prom.FanoutDrops.WithLabelValues("sqlite_queue").Inc() }
		sqlDB = journal.DB()
		fanout.Add("sqlite", journal)
	}

	if cfg.Kafka.Enabled {
		producer, err = kafkastore.NewProducer(kafkastore.Config{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			Compression: cfg.Kafka.Compression,
		}, logger.Component("kafka"))
		if err != nil {
			return err
		}
		defer producer.Close()
		producer.Observe = func(_ time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "failed"
			}
			prom.KafkaWrites.WithLabelValues(result).Inc()
		}
		fanout.Add("kafka", producer)
	}

	if cfg.Webhook.URL != "" {
		wh := notification.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, logger.Component("webhook"))
		fanout.Add("webhook", notification.NewNotifierSink("webhook", wh, cfg.Webhook.Timeout, logger.Component("webhook")))
	}
	if cfg.Telegram.BotToken != "" {
		tg := notification.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		fanout.Add("telegram", notification.NewNotifierSink("telegram", tg, 10*time.Second, logger.Component("telegram")))
	}
	stream := api.NewStream(cfg.API.StreamReplay, logger.Component("api"))
	fanout.Add("stream", stream)
	log.Info().Strs("sinks", fanout.Sinks()).Msg("sinks ready")

	// ---- Engine ----
	pool := workerpool.New(cfg.Pool, logger.Component("pool"))
	eng, err := engine.New(resolved.Engine, engine.Deps{
		MarketData: md,
		Sink:       fanout,
		Pool:       pool,
		Metrics:    prom,
		Policy:     resolved.Policy,
		Scorer:     resolved.Scorer,
		Log:        logger.Component("engine"),
	})
	if err != nil {
		return err
	}
	if journal != nil {
		eng.OnTransition = func(t statemachine.Transition) { journal.RecordTransition(t) }
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanout.Run(gctx) })
	if journal != nil {
		g.Go(func() error { return journal.Run(gctx) })
	}
	pool.Start(gctx)

	seedCtx, cancelSeed := context.WithTimeout(gctx, 2*time.Minute)
	if err := eng.Seed(seedCtx); err != nil {
		log.Warn().Err(err).Msg("seeding incomplete, continuing with live data")
	}
	cancelSeed()

	// ---- Feeds ----
	feeds := []struct {
		venue model.Venue
		cfg   feed.Config
	}{
		{model.VenueSpot, cfg.Feed.Spot},
		{model.VenuePerp, cfg.Feed.Perp},
	}
	for _, fc := range feeds {
		norm := normalize.New(fc.venue)
		norm.OnDrop = func(v model.Venue, reason string) {
			prom.TradesDropped.WithLabelValues(string(v), reason).Inc()
		}
		f, err := feed.New(fc.cfg, fc.venue, cfg.Symbols, norm, otp, feed.Hooks{
			OnTrade: func(t model.Trade) {
				if err := eng.OnTrade(t); err != nil && !errors.Is(err, engine.ErrUnknownSymbol) {
					log.Debug().Err(err).Str("symbol", t.Symbol).Msg("trade rejected")
				}
				health.SetLastTradeTime(time.UnixMilli(t.TimestampMs))
			},
			OnMessage: func(v model.Venue) { prom.FeedMessages.WithLabelValues(string(v)).Inc() },
			OnConnected: func(v model.Venue) {
				health.SetFeedConnected(v, true)
				fanout.OnFeedConnected()
			},
			OnError: func(v model.Venue, err error) {
				health.SetFeedConnected(v, false)
				health.SetFeedError(err.Error())
				fanout.OnFeedError(string(v) + ": " + err.Error())
			},
			OnReconnect: eng.OnReconnect,
		}, logger.Component("feed"))
		if err != nil {
			return err
		}
		g.Go(func() error { return f.Run(gctx) })
	}

	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		health.RunLivenessChecker(gctx, rdb, sqlDB, cfg.Metrics.HealthInterval)
		return nil
	})

	// ---- HTTP servers ----
	apiDeps := api.Deps{Scanner: eng, Health: health, Stream: stream}
	switch {
	case journal != nil:
		apiDeps.Alerts, apiDeps.Transitions = journal, journal
	case publisher != nil:
		apiDeps.Alerts = publisher
	}
	apiSrv := api.NewServer(cfg.API.Addr, apiDeps, logger.Component("api"))
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, reg, health, logger.Component("metrics"))
	g.Go(apiSrv.Start)
	g.Go(metricsSrv.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop()
		if err := apiSrv.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("api shutdown")
		}
		return metricsSrv.Stop(shutdownCtx)
	})

	err = g.Wait()
	pool.Wait()
	done, failed := pool.Stats()
	log.Info().Int64("tasks_done", done).Int64("tasks_failed", failed).Msg("worker pool drained")
	return err
}

func openRedis(c config.RedisConfig, prom *metrics.Metrics, log zerolog.Logger) (*redisstore.Publisher, error) {
	p, err := redisstore.Open(redisstore.Config{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		KeyPrefix:    c.KeyPrefix,
		StreamMaxLen: c.StreamMaxLen,
		StateTTL:     c.StateTTL,
		BufferSize:   c.BufferSize,
	}, logger.Component("redis"))
	if err != nil {
		return nil, err
	}
	p.ObserveWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
	p.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
	p.OnWriteFailed = func(error) { prom.RedisWriteErrors.Inc() }
	p.OnBreaker = func(_, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
	}
	p.OnFlush = func(n int) { log.Info().Int("alerts", n).Msg("redis buffer flushed") }
	return p, nil
}
