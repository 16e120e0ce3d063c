package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"flowscanner/internal/marketdata/auth"
	"flowscanner/internal/marketdata/feed"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/marketdata/rest"
	"flowscanner/internal/model"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	ch      chan []byte
	symbols map[string]bool // empty = everything
}

// hub broadcasts one venue's trades to its subscribers.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn, symbols []string) *client {
	c := &client{ch: make(chan []byte, 256), symbols: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		c.symbols[s] = true
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// broadcast sends t to every subscriber of its symbol. Slow clients miss
// trades.
func (h *hub) broadcast(t model.Trade) {
	msg, err := json.Marshal(normalize.FromTrade(t))
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if len(c.symbols) > 0 && !c.symbols[t.Symbol] {
			continue
		}
		select {
		case c.ch <- msg:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── Server ───────────────────────────────────────────────────────────────────

type server struct {
	echo   *echo.Echo
	mkt    *market
	hubs   map[model.Venue]*hub
	secret string
	now    func() time.Time
	log    zerolog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func newServer(mkt *market, secret string, log zerolog.Logger) *server {
	s := &server{
		echo:   echo.New(),
		mkt:    mkt,
		hubs:   map[model.Venue]*hub{model.VenueSpot: newHub(), model.VenuePerp: newHub()},
		secret: secret,
		now:    time.Now,
		log:    log,
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.verify)

	e.GET("/ws/:venue", s.stream)
	e.GET("/api/v1/bars", s.bars)
	e.GET("/api/v1/bar", s.bar)
	e.GET("/api/v1/trades", s.trades)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":     "ok",
			"service":    "simfeed",
			"spot_conns": s.hubs[model.VenueSpot].count(),
			"perp_conns": s.hubs[model.VenuePerp].count(),
		})
	})
	return s
}

// verify rejects requests without a valid one-time code when a secret is set.
func (s *server) verify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/health" {
			return next(c)
		}
		if err := auth.Verify(c.Request(), s.secret); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return next(c)
	}
}

func (s *server) publish(trades []model.Trade) {
	for _, t := range trades {
		s.hubs[t.Venue].broadcast(t)
	}
}

func (s *server) stream(c echo.Context) error {
	v := model.Venue(c.Param("venue"))
	h, ok := s.hubs[v]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown venue")
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return nil
	}
	defer conn.Close()

	var sub feed.Subscribe
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&sub); err != nil || sub.Method != "SUBSCRIBE" {
		s.log.Warn().Err(err).Str("remote", c.RealIP()).Msg("bad subscribe")
		return nil
	}
	conn.SetReadDeadline(time.Time{})

	cl := h.register(conn, sub.Symbols)
	defer h.unregister(conn)
	s.log.Info().Str("venue", string(v)).Strs("symbols", sub.Symbols).Str("remote", c.RealIP()).Msg("client subscribed")

	// Reader: detect the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			s.log.Info().Str("venue", string(v)).Str("remote", c.RealIP()).Msg("client disconnected")
			return nil
		case msg, ok := <-cl.ch:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return nil
			}
		}
	}
}

type seriesParams struct {
	symbol string
	venue  model.Venue
	tf     time.Duration
}

func parseSeries(c echo.Context, mkt *market) (seriesParams, error) {
	p := seriesParams{symbol: c.QueryParam("symbol"), venue: model.Venue(c.QueryParam("venue"))}
	if !mkt.has(p.symbol) {
		return p, echo.NewHTTPError(http.StatusNotFound, "unknown symbol")
	}
	if !p.venue.Valid() {
		return p, echo.NewHTTPError(http.StatusBadRequest, "bad venue")
	}
	tf, err := rest.ParseTimeframe(c.QueryParam("tf"))
	if err != nil {
		return p, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.tf = tf
	return p, nil
}

func queryInt(c echo.Context, key string, def int64) (int64, error) {
	raw := c.QueryParam(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "bad "+key)
	}
	return n, nil
}

func (s *server) bars(c echo.Context) error {
	p, err := parseSeries(c, s.mkt)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 500)
	if err != nil {
		return err
	}
	if limit <= 0 || limit > 5000 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be in [1, 5000]")
	}
	end, err := queryInt(c, "end", 0)
	if err != nil {
		return err
	}
	out := []rest.Bar{}
	for _, b := range s.mkt.bars(p.symbol, p.venue, p.tf, int(limit), end, s.now()) {
		out = append(out, rest.FromCandle(b))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *server) bar(c echo.Context) error {
	p, err := parseSeries(c, s.mkt)
	if err != nil {
		return err
	}
	bars := s.mkt.bars(p.symbol, p.venue, p.tf, 1, 0, s.now())
	if len(bars) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no closed bar")
	}
	return c.JSON(http.StatusOK, rest.FromCandle(bars[0]))
}

// trades pages through the history with an offset cursor.
func (s *server) trades(c echo.Context) error {
	symbol := c.QueryParam("symbol")
	if !s.mkt.has(symbol) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown symbol")
	}
	start, err := queryInt(c, "start", 0)
	if err != nil {
		return err
	}
	end, err := queryInt(c, "end", s.now().UnixMilli())
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 1000)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "cursor", 0)
	if err != nil {
		return err
	}
	if limit <= 0 || offset < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "bad page")
	}

	all := s.mkt.tradesBetween(symbol, start, end)
	page := rest.TradePage{Trades: []normalize.Message{}}
	if lo := int(offset); lo < len(all) {
		hi := min(lo+int(limit), len(all))
		for _, t := range all[lo:hi] {
			page.Trades = append(page.Trades, normalize.FromTrade(t))
		}
		if hi < len(all) {
			page.Next = strconv.Itoa(hi)
		}
	}
	return c.JSON(http.StatusOK, page)
}
