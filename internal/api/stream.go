package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

// Stream channels.
const (
	ChannelAlert = "alert"
	ChannelState = "state"
	ChannelFeed  = "feed"
)

// Envelope is one pushed stream message. Seq increases by one per
// envelope across all channels so clients can detect gaps.
type Envelope struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol,omitempty"`
	Data    json.RawMessage `json:"data"`
	TS      time.Time       `json:"ts"`
	Seq     int64           `json:"seq"`
	Initial bool            `json:"initial,omitempty"`
}

type feedEvent struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Stream pushes alerts, state changes and feed status to websocket
// clients. It is a model.Sink; state envelopes are only sent for snapshots
// that changed since the previous push.
type Stream struct {
	mu        sync.RWMutex
	clients   map[*streamClient]struct{}
	latest    map[string]Envelope // symbol -> last state envelope
	lastState map[string][]byte
	seq       int64
	replay    *ReplayBuffer

	now func() time.Time
	log zerolog.Logger
}

// NewStream creates a stream keeping the last replay envelopes for gap
// backfill.
func NewStream(replay int, log zerolog.Logger) *Stream {
	return &Stream{
		clients:   make(map[*streamClient]struct{}),
		latest:    make(map[string]Envelope),
		lastState: make(map[string][]byte),
		replay:    NewReplayBuffer(replay),
		now:       time.Now,
		log:       log.With().Str("component", "stream").Logger(),
	}
}

var _ model.Sink = (*Stream)(nil)

func (s *Stream) OnAlert(a model.Alert) { s.publish(ChannelAlert, a.Symbol, a.JSON()) }

func (s *Stream) OnStateSnapshot(snaps map[string]model.StateSnapshot) {
	symbols := make([]string, 0, len(snaps))
	for sym := range snaps {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		snap := snaps[sym]
		data, err := json.Marshal(&snap)
		if err != nil {
			continue
		}
		s.mu.RLock()
		same := bytes.Equal(s.lastState[sym], data)
		s.mu.RUnlock()
		if !same {
			s.publish(ChannelState, sym, data)
		}
	}
}

func (s *Stream) OnLivenessTick() {}

func (s *Stream) OnFeedError(msg string) {
	data, _ := json.Marshal(feedEvent{Error: msg})
	s.publish(ChannelFeed, "", data)
}

func (s *Stream) OnFeedConnected() {
	data, _ := json.Marshal(feedEvent{Connected: true})
	s.publish(ChannelFeed, "", data)
}

func (s *Stream) publish(channel, symbol string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	env := Envelope{Channel: channel, Symbol: symbol, Data: data, TS: s.now().UTC(), Seq: s.seq}
	buf, err := json.Marshal(env)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("envelope encode failed")
		return
	}
	if channel == ChannelState {
		s.latest[symbol] = env
		s.lastState[symbol] = data
	}
	s.replay.Push(env.Seq, symbol, buf)

	for c := range s.clients {
		if !c.matches(symbol) {
			continue
		}
		select {
		case c.send <- buf:
		default: // slow client, it can backfill from /stream/missed
		}
	}
}

// Seq returns the last assigned sequence number.
func (s *Stream) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// ClientCount returns the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Missed returns the buffered envelopes with seq in [from, to], oldest
// first.
func (s *Stream) Missed(from, to int64) []json.RawMessage {
	entries := s.replay.Range(from, to)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Close disconnects every client.
func (s *Stream) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

type streamRequest struct {
	Since int64 `query:"since" validate:"gte=0"`
}

type missedRequest struct {
	From int64 `query:"from" validate:"gte=1"`
	To   int64 `query:"to" validate:"omitempty,gtefield=From"` // 0 = newest
}

// missed serves buffered envelopes for clients that saw a seq gap.
func (s *Stream) missed(c echo.Context) error {
	var req missedRequest
	if verrs := bindRequest(c, &req); verrs != nil {
		return respond(c, http.StatusBadRequest, verrs)
	}
	to := req.To
	if to == 0 {
		to = s.Seq()
	}
	return ok(c, map[string]any{"seq": s.Seq(), "envelopes": s.Missed(req.From, to)})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// serve upgrades the request. With ?since=N the client first receives the
// buffered envelopes after N, otherwise the latest state of every symbol.
func (s *Stream) serve(c echo.Context) error {
	var req streamRequest
	if verrs := bindRequest(c, &req); verrs != nil {
		return respond(c, http.StatusBadRequest, verrs)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	client := s.add(conn, req.Since)
	s.log.Info().Str("remote", c.RealIP()).Int("clients", s.ClientCount()).Msg("stream client connected")

	go client.writePump()
	client.readPump()

	s.remove(client)
	s.log.Info().Str("remote", c.RealIP()).Msg("stream client disconnected")
	return nil
}

// add registers a client and queues its initial messages under the same
// lock as publish, so nothing is missed or duplicated in between.
func (s *Stream) add(conn *websocket.Conn, since int64) *streamClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	var initial [][]byte
	if since > 0 {
		for _, e := range s.replay.Range(since+1, s.seq) {
			initial = append(initial, e.Data)
		}
	} else {
		symbols := make([]string, 0, len(s.latest))
		for sym := range s.latest {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			env := s.latest[sym]
			env.Initial = true
			if buf, err := json.Marshal(env); err == nil {
				initial = append(initial, buf)
			}
		}
	}

	c := &streamClient{conn: conn, stream: s, send: make(chan []byte, max(256, len(initial)+64))}
	for _, m := range initial {
		c.send <- m
	}
	s.clients[c] = struct{}{}
	return c
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// streamClient is one websocket peer.
type streamClient struct {
	conn   *websocket.Conn
	stream *Stream
	send   chan []byte

	mu      sync.RWMutex
	symbols map[string]bool // nil = every symbol
}

// clientMessage is what a client may send: SUBSCRIBE narrows alerts and
// state to symbols, UNSUBSCRIBE clears the filter, ping asks for a pong.
type clientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Ping    int64    `json:"ping"`
}

// matches reports whether an envelope for symbol goes to this client.
// Feed envelopes carry no symbol and always match.
func (c *streamClient) matches(symbol string) bool {
	if symbol == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbols == nil || c.symbols[symbol]
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) readPump() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg clientMessage
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch {
		case msg.Type == "SUBSCRIBE":
			set := make(map[string]bool, len(msg.Symbols))
			for _, s := range msg.Symbols {
				set[s] = true
			}
			c.mu.Lock()
			c.symbols = set
			c.mu.Unlock()
		case msg.Type == "UNSUBSCRIBE":
			c.mu.Lock()
			c.symbols = nil
			c.mu.Unlock()
		case msg.Ping > 0:
			pong, _ := json.Marshal(map[string]int64{"pong": msg.Ping, "server_ts": time.Now().UnixMilli()})
			c.stream.mu.RLock()
			select {
			case c.send <- pong:
			default:
			}
			c.stream.mu.RUnlock()
		}
	}
}
