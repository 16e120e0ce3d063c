package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"flowscanner/internal/model"
)

// RecentAlerts returns up to limit alerts from the alert stream, newest
// first.
func (p *Publisher) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := p.client.XRevRangeN(ctx, p.keys.AlertStream(), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", p.keys.AlertStream(), err)
	}
	return decodeAlerts(msgs), nil
}

func decodeAlerts(msgs []goredis.XMessage) []model.Alert {
	out := make([]model.Alert, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var a model.Alert
		if json.Unmarshal([]byte(raw), &a) == nil {
			out = append(out, a)
		}
	}
	return out
}
