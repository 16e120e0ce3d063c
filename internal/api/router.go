// Package api serves the scanner's read-only HTTP API: health, per-symbol
// state, recent alerts and transitions, candles and feed status.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"flowscanner/internal/engine"
	"flowscanner/internal/metrics"
	"flowscanner/internal/model"
	"flowscanner/internal/statemachine"
)

// Scanner is the read side of the engine.
type Scanner interface {
	Symbols() []string
	Snapshots() map[string]model.StateSnapshot
	Snapshot(symbol string) (model.StateSnapshot, error)
	Candles(symbol string, v model.Venue, tf time.Duration, limit int, withOpen bool) ([]model.Candle, error)
	LastTrade(v model.Venue) time.Time
}

// AlertStore serves recent alerts, newest first.
type AlertStore interface {
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
}

// TransitionStore serves journaled state transitions, newest first.
type TransitionStore interface {
	Transitions(ctx context.Context, symbol string, limit int) ([]statemachine.Transition, error)
}

// Deps are the collaborators behind the routes. Alerts and Transitions
// may be nil; their routes then answer 404.
type Deps struct {
	Scanner     Scanner
	Health      *metrics.HealthStatus
	Alerts      AlertStore
	Transitions TransitionStore
	Stream      *Stream // optional websocket push
}

// Server wraps the echo instance.
type Server struct {
	echo *echo.Echo
	addr string
	log  zerolog.Logger
	d    Deps
}

// NewServer builds the router.
func NewServer(addr string, d Deps, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, addr: addr, log: log.With().Str("component", "api").Logger(), d: d}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogMethod:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug().Str("method", v.Method).Str("uri", v.URI).
				Int("status", v.Status).Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))

	g := e.Group("/api/v1")
	g.GET("/health", s.health)
	g.GET("/state", s.states)
	g.GET("/state/:symbol", s.state)
	g.GET("/candles/:symbol", s.candles)
	g.GET("/alerts", s.alerts)
	g.GET("/transitions", s.transitions)
	g.GET("/feed", s.feed)
	if d.Stream != nil {
		g.GET("/stream", d.Stream.serve)
		g.GET("/stream/missed", d.Stream.missed)
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Stop. Returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("api listening")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.d.Stream != nil {
		s.d.Stream.Close()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	if s.d.Health == nil {
		return ok(c, map[string]string{"status": "ok"})
	}
	report, code := s.d.Health.Report()
	return respond(c, code, report)
}

func (s *Server) states(c echo.Context) error {
	return ok(c, s.d.Scanner.Snapshots())
}

func (s *Server) state(c echo.Context) error {
	snap, err := s.d.Scanner.Snapshot(c.Param("symbol"))
	if errors.Is(err, engine.ErrUnknownSymbol) {
		return notFound(c, "unknown symbol "+c.Param("symbol"))
	}
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot failed")
		return internalError(c)
	}
	return ok(c, snap)
}

type candlesRequest struct {
	Symbol string `param:"symbol" validate:"required"`
	Venue  string `query:"venue" default:"spot" validate:"oneof=spot perp"`
	TF     string `query:"tf" default:"1m"`
	Limit  int    `query:"limit" default:"100" validate:"min=1,max=5000"`
	Open   bool   `query:"open"`
}

func (s *Server) candles(c echo.Context) error {
	req := &candlesRequest{}
	if verrs := bindRequest(c, req); verrs != nil {
		return respond(c, http.StatusBadRequest, verrs)
	}
	tf, err := time.ParseDuration(req.TF)
	if err != nil {
		return respond(c, http.StatusBadRequest, []ValidationError{{Code: "ERR_DURATION", Field: "TF", Message: err.Error()}})
	}

	bars, err := s.d.Scanner.Candles(req.Symbol, model.Venue(req.Venue), tf, req.Limit, req.Open)
	switch {
	case errors.Is(err, engine.ErrUnknownSymbol):
		return notFound(c, "unknown symbol "+req.Symbol)
	case errors.Is(err, engine.ErrUnknownSeries):
		return notFound(c, "timeframe not tracked: "+req.TF)
	case err != nil:
		s.log.Error().Err(err).Msg("candles failed")
		return internalError(c)
	}
	return ok(c, bars)
}

type listRequest struct {
	Symbol string `query:"symbol"`
	Limit  int    `query:"limit" default:"50" validate:"min=1,max=1000"`
}

func (s *Server) alerts(c echo.Context) error {
	if s.d.Alerts == nil {
		return notFound(c, "alert history is not enabled")
	}
	req := &listRequest{}
	if verrs := bindRequest(c, req); verrs != nil {
		return respond(c, http.StatusBadRequest, verrs)
	}
	list, err := s.d.Alerts.RecentAlerts(c.Request().Context(), req.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("recent alerts failed")
		return internalError(c)
	}
	if req.Symbol != "" {
		kept := list[:0]
		for _, a := range list {
			if a.Symbol == req.Symbol {
				kept = append(kept, a)
			}
		}
		list = kept
	}
	if list == nil {
		list = []model.Alert{}
	}
	return ok(c, list)
}

func (s *Server) transitions(c echo.Context) error {
	if s.d.Transitions == nil {
		return notFound(c, "transition journal is not enabled")
	}
	req := &listRequest{}
	if verrs := bindRequest(c, req); verrs != nil {
		return respond(c, http.StatusBadRequest, verrs)
	}
	list, err := s.d.Transitions.Transitions(c.Request().Context(), req.Symbol, req.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("transitions failed")
		return internalError(c)
	}
	if list == nil {
		list = []statemachine.Transition{}
	}
	return ok(c, list)
}

type venueFeed struct {
	Connected bool   `json:"connected"`
	LastTrade string `json:"last_trade,omitempty"`
	TradeAge  string `json:"trade_age,omitempty"`
}

func (s *Server) feed(c echo.Context) error {
	var connected map[model.Venue]bool
	if s.d.Health != nil {
		r, _ := s.d.Health.Report()
		connected = r.FeedConnected
	}
	out := make(map[model.Venue]venueFeed, len(model.Venues))
	for _, v := range model.Venues {
		f := venueFeed{Connected: connected[v]}
		if t := s.d.Scanner.LastTrade(v); !t.IsZero() {
			f.LastTrade = t.UTC().Format(time.RFC3339Nano)
			f.TradeAge = time.Since(t).Truncate(time.Millisecond).String()
		}
		out[v] = f
	}
	return ok(c, out)
}
