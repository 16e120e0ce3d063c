// Package notification delivers scanner output to people and external
// systems: a structured log sink, webhook and Telegram notifiers, and a
// fan-out that keeps slow sinks off the engine's hot path.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

// Level represents the severity of a notification.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Message is a notification to be sent.
type Message struct {
	Level Level        `json:"level"`
	Title string       `json:"title"`
	Text  string       `json:"message"`
	Alert *model.Alert `json:"alert,omitempty"`
}

// FromAlert renders an alert. EXEC confirmations are critical, pattern
// alerts (only ever emitted in ACT) are warnings.
func FromAlert(a model.Alert) Message {
	lvl := LevelWarning
	if a.IsExecution() {
		lvl = LevelCritical
	}
	text := fmt.Sprintf("%s %s @ %.4f | score %.0f | %s | bar %s",
		a.Direction, a.Symbol, a.Price, a.Score, a.Regime,
		time.UnixMilli(a.CandleTsMs).UTC().Format("15:04"))
	if a.Message != "" {
		text += "\n" + a.Message
	}
	return Message{
		Level: lvl,
		Title: fmt.Sprintf("%s %s [%s]", a.Pattern, a.Symbol, a.Timeframe),
		Text:  text,
		Alert: &a,
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers a message. Returns error if delivery fails.
	Send(ctx context.Context, msg Message) error
}

// NotifierSink adapts a Notifier to model.Sink: alerts and feed errors are
// sent, everything else is ignored. Send blocks, so register it behind a
// Fanout.
type NotifierSink struct {
	name    string
	n       Notifier
	timeout time.Duration
	log     zerolog.Logger
}

// NewNotifierSink wraps n. timeout bounds each Send.
func NewNotifierSink(name string, n Notifier, timeout time.Duration, log zerolog.Logger) *NotifierSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotifierSink{name: name, n: n, timeout: timeout, log: log}
}

func (s *NotifierSink) send(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.n.Send(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("notifier", s.name).Str("title", msg.Title).Msg("notification failed")
	}
}

func (s *NotifierSink) OnAlert(a model.Alert) { s.send(FromAlert(a)) }

func (s *NotifierSink) OnFeedError(msg string) {
	s.send(Message{Level: LevelWarning, Title: "feed error", Text: msg})
}

func (s *NotifierSink) OnStateSnapshot(map[string]model.StateSnapshot) {}
func (s *NotifierSink) OnLivenessTick()                                {}
func (s *NotifierSink) OnFeedConnected()                               {}

// LogSink writes everything the scanner publishes to a structured logger.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-based sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) OnAlert(a model.Alert) {
	s.log.Info().
		Str("id", a.ID).
		Str("symbol", a.Symbol).
		Str("pattern", string(a.Pattern)).
		Str("direction", string(a.Direction)).
		Float64("score", a.Score).
		Float64("price", a.Price).
		Str("regime", string(a.Regime)).
		Float64("strength", a.Strength).
		Msg(a.String())
}

func (s *LogSink) OnStateSnapshot(snaps map[string]model.StateSnapshot) {
	if e := s.log.Debug(); e.Enabled() {
		d := zerolog.Dict()
		for sym, snap := range snaps {
			d.Str(sym, string(snap.State))
		}
		e.Dict("states", d).Msg("state snapshot")
	}
}

func (s *LogSink) OnLivenessTick() {}

func (s *LogSink) OnFeedError(msg string) {
	s.log.Warn().Str("error", msg).Msg("feed error")
}

func (s *LogSink) OnFeedConnected() {
	s.log.Info().Msg("feed connected")
}
