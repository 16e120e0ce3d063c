package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

func testAlert(p model.PatternType) model.Alert {
	return model.Alert{
		ID:         "a1",
		Symbol:     "BTCUSDT",
		Pattern:    p,
		Score:      82,
		Regime:     model.BullishConsensus,
		Price:      64000.5,
		CandleTsMs: 1_700_000_000_000,
		Direction:  model.DirLong,
		Timeframe:  3 * time.Minute,
	}
}

func TestFromAlert_Levels(t *testing.T) {
	if m := FromAlert(testAlert(model.Ignition)); m.Level != LevelWarning {
		t.Errorf("pattern alert level = %s, want WARNING", m.Level)
	}
	m := FromAlert(testAlert(model.Exec))
	if m.Level != LevelCritical {
		t.Errorf("exec alert level = %s, want CRITICAL", m.Level)
	}
	if !strings.Contains(m.Title, "EXEC") || !strings.Contains(m.Title, "BTCUSDT") {
		t.Errorf("title = %q", m.Title)
	}
	if m.Alert == nil || m.Alert.ID != "a1" {
		t.Error("alert not attached to message")
	}
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	if err := n.Send(context.Background(), FromAlert(testAlert(model.Trap))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "WARNING" {
		t.Errorf("level = %v", got["level"])
	}
	alert, ok := got["alert"].(map[string]any)
	if !ok || alert["pattern"] != "TRAP" {
		t.Errorf("alert payload = %v", got["alert"])
	}
	if _, ok := got["ts"]; !ok {
		t.Error("missing ts")
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	if err := n.Send(context.Background(), Message{Title: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	if err := n.Send(context.Background(), Message{Level: LevelCritical, Title: "EXEC BTCUSDT", Text: "price 1.5"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if body["chat_id"] != "42" || body["parse_mode"] != "MarkdownV2" {
		t.Errorf("body = %v", body)
	}
	if text, _ := body["text"].(string); !strings.Contains(text, `price 1\.5`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestTelegramText_ExecStrength(t *testing.T) {
	a := testAlert(model.Exec)
	a.Strength = 1.25
	text := telegramText(FromAlert(a))
	if !strings.HasPrefix(text, "🚨") {
		t.Errorf("EXEC should be critical: %q", text)
	}
	if !strings.Contains(text, `_strength 1\.25 x ATR_`) {
		t.Errorf("missing strength line: %q", text)
	}
	if strings.Contains(telegramText(FromAlert(testAlert(model.Trap))), "strength") {
		t.Error("pattern alerts carry no strength line")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"a_b", `a\_b`},
		{"1.5-2", `1\.5\-2`},
		{"[x](y)", `\[x\]\(y\)`},
	}
	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type recordingSink struct {
	mu      sync.Mutex
	alerts  []model.Alert
	errs    []string
	block   chan struct{}
	started chan struct{}
}

func (s *recordingSink) OnAlert(a model.Alert) {
	if s.block != nil {
		s.started <- struct{}{}
		<-s.block
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}
func (s *recordingSink) OnStateSnapshot(map[string]model.StateSnapshot) {}
func (s *recordingSink) OnLivenessTick()                                {}
func (s *recordingSink) OnFeedError(msg string) {
	s.mu.Lock()
	s.errs = append(s.errs, msg)
	s.mu.Unlock()
}
func (s *recordingSink) OnFeedConnected() {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := NewFanout(8, zerolog.Nop())
	f.Add("a", a)
	f.Add("b", b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = f.Run(ctx); close(done) }()

	f.OnAlert(testAlert(model.Ignition))
	f.OnAlert(testAlert(model.Exec))
	f.OnFeedError("boom")
	cancel()
	<-done

	for name, s := range map[string]*recordingSink{"a": a, "b": b} {
		if s.count() != 2 {
			t.Errorf("sink %s got %d alerts, want 2", name, s.count())
		}
		if len(s.errs) != 1 || s.errs[0] != "boom" {
			t.Errorf("sink %s errors = %v", name, s.errs)
		}
	}
	if got := f.Sinks(); len(got) != 2 || got[0] != "a" {
		t.Errorf("Sinks() = %v", got)
	}
}

func TestFanout_SlowSinkDropsWithoutBlocking(t *testing.T) {
	slow := &recordingSink{block: make(chan struct{}), started: make(chan struct{}, 1)}
	fast := &recordingSink{}
	f := NewFanout(1, zerolog.Nop())
	f.Add("slow", slow)
	f.Add("fast", fast)
	var drops []string
	f.OnDrop = func(s string) { drops = append(drops, s) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = f.Run(ctx); close(done) }()

	f.OnAlert(testAlert(model.Ignition))
	<-slow.started // slow sink now holds the first alert
	f.OnAlert(testAlert(model.Pullback)) // fills slow's queue
	f.OnAlert(testAlert(model.Trap))     // dropped for slow

	slowDrops := 0
	for _, d := range drops {
		if d == "slow" {
			slowDrops++
		}
	}
	if slowDrops != 1 {
		t.Errorf("slow drops = %d, want 1 (all drops %v)", slowDrops, drops)
	}
	close(slow.block)
	cancel()
	<-done
	if slow.count() != 2 {
		t.Errorf("slow sink got %d alerts, want 2", slow.count())
	}
}
