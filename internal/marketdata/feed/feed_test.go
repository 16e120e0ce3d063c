package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flowscanner/internal/backoff"
	"flowscanner/internal/marketdata/normalize"
	"flowscanner/internal/model"
)

var upgrader = websocket.Upgrader{}

// server upgrades every connection and hands it to serve.
func server(t *testing.T, serve func(n int, conn *websocket.Conn)) string {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var sub Subscribe
		if err := c.ReadJSON(&sub); err != nil || sub.Method != "SUBSCRIBE" {
			return
		}
		serve(int(conns.Add(1)), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(url string) Config {
	return Config{URL: url, ReadTimeout: time.Second, Backoff: backoff.Policy{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 2}}
}

func TestFeed_DeliversTrades(t *testing.T) {
	url := server(t, func(_ int, c *websocket.Conn) {
		c.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":"100","qty":"1","ts":1000,"side":"buy"}`))
		c.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		c.WriteMessage(websocket.TextMessage, []byte(`[{"symbol":"BTCUSDT","price":"101","qty":"2","ts":1001,"side":"sell"},{"symbol":"BTCUSDT","price":"-1","qty":"2","ts":1002,"side":"sell"}]`))
		time.Sleep(200 * time.Millisecond)
	})

	var mu sync.Mutex
	var got []model.Trade
	done := make(chan struct{})
	norm := normalize.New(model.VenuePerp)
	f, err := New(fastConfig(url), model.VenuePerp, []string{"BTCUSDT"}, norm, nil, Hooks{
		OnTrade: func(tr model.Trade) {
			mu.Lock()
			got = append(got, tr)
			if len(got) == 2 {
				close(done)
			}
			mu.Unlock()
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trades not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0].Venue != model.VenuePerp || got[1].TakerSide != model.SideSell {
		t.Errorf("trades = %+v", got)
	}
	if _, dropped := norm.Counts(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestFeed_ReconnectReportsLastMessage(t *testing.T) {
	url := server(t, func(n int, c *websocket.Conn) {
		if n == 1 {
			c.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"ETHUSDT","price":"10","qty":"1","ts":5,"side":"buy"}`))
			time.Sleep(20 * time.Millisecond)
			return // drop the connection
		}
		time.Sleep(time.Second)
	})

	type event struct {
		venue model.Venue
		last  time.Time
	}
	reconnected := make(chan event, 1)
	var errs, connects atomic.Int32
	f, _ := New(fastConfig(url), model.VenueSpot, []string{"ETHUSDT"}, normalize.New(model.VenueSpot), nil, Hooks{
		OnConnected: func(model.Venue) { connects.Add(1) },
		OnError:     func(model.Venue, error) { errs.Add(1) },
		OnReconnect: func(v model.Venue, last time.Time) { reconnected <- event{v, last} },
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case ev := <-reconnected:
		if ev.venue != model.VenueSpot || ev.last.IsZero() {
			t.Errorf("reconnect event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect")
	}
	if errs.Load() < 1 || connects.Load() < 2 {
		t.Errorf("errors=%d connects=%d", errs.Load(), connects.Load())
	}
}

func TestFeed_StopsOnCancel(t *testing.T) {
	url := server(t, func(_ int, c *websocket.Conn) {
		c.ReadMessage() // block until the client closes
	})
	f, _ := New(fastConfig(url), model.VenueSpot, nil, normalize.New(model.VenueSpot), nil, Hooks{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- f.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !f.Connected() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
