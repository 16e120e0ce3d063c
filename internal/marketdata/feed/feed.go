// Package feed is the live trade stream client, one per venue. It dials the
// collaborator's websocket, subscribes to the configured symbols, and pushes
// normalized trades to a handler. Disconnects are retried with capped
// exponential backoff and jitter.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flowscanner/internal/backoff"
	"flowscanner/internal/marketdata/auth"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/model"
)

// Config configures one venue stream.
type Config struct {
	URL         string         `yaml:"url" validate:"required"`
	ReadTimeout time.Duration  `yaml:"read_timeout" default:"30s"`
	Backoff     backoff.Policy `yaml:"backoff"`
}

// Subscribe is the first message sent after connecting.
type Subscribe struct {
	Method  string   `json:"method"`
	Symbols []string `json:"symbols"`
}

// Hooks receive stream events. Every hook is optional.
type Hooks struct {
	OnTrade     func(model.Trade)
	OnMessage   func(venue model.Venue)
	OnConnected func(venue model.Venue)
	OnError     func(venue model.Venue, err error)
	// OnReconnect fires after a successful reconnection with the time the
	// last message was received before the outage.
	OnReconnect func(venue model.Venue, lastMessage time.Time)
}

// Feed streams one venue.
type Feed struct {
	cfg     Config
	venue   model.Venue
	symbols []string
	norm    *normalize.Normalizer
	otp     *auth.TOTP
	hooks   Hooks
	log     zerolog.Logger

	lastMsg  atomic.Int64 // unix ms
	received atomic.Int64
	connects atomic.Int64
	live     atomic.Bool
}

// New creates a feed for venue. otp may be nil.
func New(cfg Config, venue model.Venue, symbols []string, norm *normalize.Normalizer, otp *auth.TOTP, hooks Hooks, log zerolog.Logger) (*Feed, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = backoff.Default()
	}
	return &Feed{
		cfg:     cfg,
		venue:   venue,
		symbols: symbols,
		norm:    norm,
		otp:     otp,
		hooks:   hooks,
		log:     log.With().Str("venue", string(venue)).Logger(),
	}, nil
}

// Venue returns the venue this feed streams.
func (f *Feed) Venue() model.Venue { return f.venue }

// LastMessage returns when the last message arrived (zero if never).
func (f *Feed) LastMessage() time.Time {
	ms := f.lastMsg.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Connected reports whether the stream is currently up.
func (f *Feed) Connected() bool { return f.live.Load() }

// Received returns the number of raw messages read.
func (f *Feed) Received() int64 { return f.received.Load() }

// Run connects and streams until ctx is cancelled, reconnecting on failure.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := f.runOnce(ctx)
		if err == nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		if f.hooks.OnError != nil {
			f.hooks.OnError(f.venue, err)
		}

		delay := f.cfg.Backoff.Next(attempt)
		attempt++
		f.log.Warn().Err(err).Dur("delay", delay).Msg("feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce makes one connection and reads until it fails. A nil error means
// ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context) (connected bool, err error) {
	h := http.Header{}
	if err := f.otp.Apply(h); err != nil {
		return false, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, h)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	if err := conn.WriteJSON(Subscribe{Method: "SUBSCRIBE", Symbols: f.symbols}); err != nil {
		return false, err
	}

	prevLast := f.LastMessage()
	f.live.Store(true)
	defer f.live.Store(false)
	n := f.connects.Add(1)
	f.log.Info().Str("url", f.cfg.URL).Int64("connection", n).Msg("feed connected")
	if f.hooks.OnConnected != nil {
		f.hooks.OnConnected(f.venue)
	}
	if n > 1 && f.hooks.OnReconnect != nil {
		f.hooks.OnReconnect(f.venue, prevLast)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		f.lastMsg.Store(time.Now().UnixMilli())
		f.received.Add(1)
		if f.hooks.OnMessage != nil {
			f.hooks.OnMessage(f.venue)
		}
		f.dispatch(raw)
	}
}

// dispatch handles a single trade object or a JSON array of trades.
func (f *Feed) dispatch(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var batch []normalize.Message
		if err := json.Unmarshal(raw, &batch); err != nil {
			f.norm.Decode(raw) // counted as a decode drop
			return
		}
		for _, m := range batch {
			f.deliver(f.norm.Trade(m))
		}
		return
	}
	f.deliver(f.norm.Decode(raw))
}

func (f *Feed) deliver(t model.Trade, err error) {
	if err != nil {
		f.log.Debug().Err(err).Msg("trade rejected")
		return
	}
	if f.hooks.OnTrade != nil {
		f.hooks.OnTrade(t)
	}
}
