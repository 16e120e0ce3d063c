// Package redis publishes scanner output to Redis: alerts on a pub/sub
// channel and a capped stream, per-symbol state and liveness as plain keys.
// Every write goes through a circuit breaker; alerts that cannot be written
// are buffered and replayed when the breaker closes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix    string        // default "flowscanner"
	StreamMaxLen int64         // approximate cap of the alert stream
	StateTTL     time.Duration // TTL of state and liveness keys
	WriteTimeout time.Duration

	MaxFailures  int
	ResetTimeout time.Duration
	BufferSize   int // alerts held while Redis is unavailable
}

func (c *Config) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "flowscanner"
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 30 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
}

// Keys names the Redis keys and channels used by the publisher.
type Keys struct {
	prefix string
}

func (k Keys) AlertChannel() string       { return k.prefix + ":alerts" }
func (k Keys) AlertStream() string        { return k.prefix + ":alerts:stream" }
func (k Keys) State(symbol string) string { return k.prefix + ":state:" + symbol }
func (k Keys) Liveness() string           { return k.prefix + ":liveness" }
func (k Keys) Feed() string               { return k.prefix + ":feed" }

type feedStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	AtMs      int64  `json:"at"`
}

// Publisher is a model.Sink backed by Redis. Its methods perform network
// I/O; register it behind a notification.Fanout.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	cfg    Config
	keys   Keys
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  []model.Alert
	lastSnap map[string]model.StateSnapshot // unwritten snapshot, latest wins

	// Optional metric hooks.
	OnBuffer      func()
	OnFlush       func(count int)
	OnBreaker     func(from, to State)
	ObserveWrite  func(time.Duration)
	OnWriteFailed func(error)
}

// Open connects to Redis, pings it and returns a Publisher.
func Open(cfg Config, log zerolog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("redis connected")
	return newPublisher(client, cfg, log), nil
}

func newPublisher(client *goredis.Client, cfg Config, log zerolog.Logger) *Publisher {
	cfg.setDefaults()
	p := &Publisher{
		client: client,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		cfg:    cfg,
		keys:   Keys{prefix: cfg.KeyPrefix},
		log:    log.With().Str("component", "redis").Logger(),
		now:    time.Now,
	}
	p.cb.OnStateChange = func(from, to State) {
		p.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("redis circuit breaker")
		if p.OnBreaker != nil {
			p.OnBreaker(from, to)
		}
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Keys returns the key layout.
func (p *Publisher) Keys() Keys { return p.keys }

// Breaker exposes the circuit breaker state.
func (p *Publisher) Breaker() State { return p.cb.CurrentState() }

// exec runs one pipelined write through the breaker.
func (p *Publisher) exec(fill func(pipe goredis.Pipeliner) error) error {
	return p.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		start := time.Now()
		pipe := p.client.Pipeline()
		if err := fill(pipe); err != nil {
			return err
		}
		_, err := pipe.Exec(ctx)
		if p.ObserveWrite != nil {
			p.ObserveWrite(time.Since(start))
		}
		return err
	})
}

func (p *Publisher) writeAlert(a model.Alert) error {
	data := a.JSON()
	return p.exec(func(pipe goredis.Pipeliner) error {
		ctx := context.Background()
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.keys.AlertStream(),
			MaxLen: p.cfg.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data, "symbol": a.Symbol},
		})
		pipe.Publish(ctx, p.keys.AlertChannel(), data)
		return nil
	})
}

func (p *Publisher) writeSnapshots(snaps map[string]model.StateSnapshot) error {
	return p.exec(func(pipe goredis.Pipeliner) error {
		for sym, s := range snaps {
			b, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal state %s: %w", sym, err)
			}
			pipe.Set(context.Background(), p.keys.State(sym), b, p.cfg.StateTTL)
		}
		return nil
	})
}

func (p *Publisher) setKey(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.exec(func(pipe goredis.Pipeliner) error {
		pipe.Set(context.Background(), key, b, p.cfg.StateTTL)
		return nil
	})
}

func (p *Publisher) failed(what string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		return
	}
	if p.OnWriteFailed != nil {
		p.OnWriteFailed(err)
	}
	p.log.Warn().Err(err).Str("write", what).Msg("redis write failed")
}

// OnAlert writes the alert, buffering it if Redis is unavailable.
func (p *Publisher) OnAlert(a model.Alert) {
	if err := p.writeAlert(a); err != nil {
		p.failed("alert", err)
		p.buffer(a)
	}
}

func (p *Publisher) OnStateSnapshot(snaps map[string]model.StateSnapshot) {
	if err := p.writeSnapshots(snaps); err != nil {
		p.failed("state", err)
		p.mu.Lock()
		p.lastSnap = snaps
		p.mu.Unlock()
	}
}

func (p *Publisher) OnLivenessTick() {
	if err := p.setKey(p.keys.Liveness(), p.now().UnixMilli()); err != nil {
		p.failed("liveness", err)
	}
}

func (p *Publisher) OnFeedError(msg string) {
	st := feedStatus{Connected: false, Error: msg, AtMs: p.now().UnixMilli()}
	if err := p.setKey(p.keys.Feed(), st); err != nil {
		p.failed("feed", err)
	}
}

func (p *Publisher) OnFeedConnected() {
	st := feedStatus{Connected: true, AtMs: p.now().UnixMilli()}
	if err := p.setKey(p.keys.Feed(), st); err != nil {
		p.failed("feed", err)
	}
}

func (p *Publisher) buffer(a model.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= p.cfg.BufferSize {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, a)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// PendingCount returns the number of alerts waiting to be flushed.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// flush replays buffered alerts in order and the last unwritten snapshot.
// Alerts that fail again go back to the front of the buffer.
func (p *Publisher) flush() {
	p.mu.Lock()
	alerts, snaps := p.pending, p.lastSnap
	p.pending, p.lastSnap = nil, nil
	p.mu.Unlock()

	flushed := 0
	for i, a := range alerts {
		if err := p.writeAlert(a); err != nil {
			p.requeue(alerts[i:])
			break
		}
		flushed++
	}
	if snaps != nil {
		if err := p.writeSnapshots(snaps); err != nil {
			p.mu.Lock()
			if p.lastSnap == nil {
				p.lastSnap = snaps
			}
			p.mu.Unlock()
		}
	}

	if flushed > 0 {
		p.log.Info().Int("count", flushed).Msg("flushed buffered alerts")
	}
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

func (p *Publisher) requeue(rest []model.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	merged := append(append([]model.Alert(nil), rest...), p.pending...)
	if over := len(merged) - p.cfg.BufferSize; over > 0 {
		merged = merged[over:]
	}
	p.pending = merged
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
