// Package kafka publishes alerts to a Kafka topic, keyed by symbol so every
// symbol's alerts stay ordered within one partition.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"flowscanner/internal/model"
)

// Config holds producer configuration.
type Config struct {
	Brokers      []string
	Topic        string
	RequiredAcks int    // -1 = all
	Compression  string // gzip, snappy, lz4, zstd
	MaxAttempts  int
	WriteTimeout time.Duration
	BatchSize    int
	BatchTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a model.Sink that writes each alert as one JSON message.
// Writes are synchronous; register it behind a notification.Fanout.
type Producer struct {
	w       messageWriter
	topic   string
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	// Observe receives the outcome of every write, for metrics.
	Observe func(dur time.Duration, err error)
}

// NewProducer creates a producer. No connection is made until the first
// write.
func NewProducer(cfg Config, log zerolog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = -1
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka producer ready")
	return newProducer(w, cfg.Topic, cfg.WriteTimeout, log), nil
}

func newProducer(w messageWriter, topic string, timeout time.Duration, log zerolog.Logger) *Producer {
	return &Producer{
		w:       w,
		topic:   topic,
		timeout: timeout,
		log:     log.With().Str("component", "kafka").Logger(),
		now:     time.Now,
	}
}

// Message builds the Kafka message for a.
func (p *Producer) Message(a model.Alert) kafka.Message {
	return kafka.Message{
		Key:   []byte(a.Symbol),
		Value: a.JSON(),
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: "pattern", Value: []byte(a.Pattern)},
			{Key: "alert_id", Value: []byte(a.ID)},
		},
	}
}

// Publish writes one alert.
func (p *Producer) Publish(ctx context.Context, a model.Alert) error {
	start := time.Now()
	err := p.w.WriteMessages(ctx, p.Message(a))
	if p.Observe != nil {
		p.Observe(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("kafka publish %s to %s: %w", a.ID, p.topic, err)
	}
	return nil
}

func (p *Producer) OnAlert(a model.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, a); err != nil {
		p.log.Warn().Err(err).Str("symbol", a.Symbol).Msg("alert not published")
	}
}

func (p *Producer) OnStateSnapshot(map[string]model.StateSnapshot) {}
func (p *Producer) OnLivenessTick()                                {}
func (p *Producer) OnFeedError(string)                             {}
func (p *Producer) OnFeedConnected()                               {}

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	return p.w.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
