package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs each message as one JSON document. Alerts are
// attached in full under "alert" so receivers can route on symbol,
// pattern or direction without parsing the text.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
	log    zerolog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, log zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}, now: time.Now, log: log}
}

type webhookPayload struct {
	Message
	Source string `json:"source"`
	TS     string `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	p := webhookPayload{Message: msg, Source: "flowscanner", TS: w.now().UTC().Format(time.RFC3339Nano)}
	status, err := postJSON(ctx, w.client, w.url, p)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if status/100 != 2 {
		return fmt.Errorf("webhook: %s returned %d", w.url, status)
	}
	ev := w.log.Debug().Str("title", msg.Title)
	if msg.Alert != nil {
		ev = ev.Str("alert_id", msg.Alert.ID)
	}
	ev.Msg("webhook delivered")
	return nil
}

// postJSON encodes v, posts it and returns the response status. The body
// is drained and closed.
func postJSON(ctx context.Context, c *http.Client, url string, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
