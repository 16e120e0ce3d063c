// Package normalize is the boundary between raw collaborator messages and
// model.Trade. Anything non-finite, non-positive or unparseable is dropped
// here and never reaches an aggregator.
//
// Wire format (one trade per message, numbers bare or quoted):
//
//	{"symbol":"BTCUSDT","venue":"spot","price":"64210.5","qty":"0.012","ts":1718000000123,"side":"buy"}
//
// "m" (buyer is maker) is accepted in place of "side": m=true means the
// taker sold.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"flowscanner/internal/model"
)

// ErrMalformed wraps every rejection.
var ErrMalformed = errors.New("malformed trade")

// Message is the decoded wire form of a trade.
type Message struct {
	Symbol     string          `json:"symbol"`
	Venue      model.Venue     `json:"venue,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Timestamp  int64           `json:"ts"`
	Side       model.Side      `json:"side,omitempty"`
	BuyerMaker *bool           `json:"m,omitempty"`
}

// FromTrade builds the wire form of t.
func FromTrade(t model.Trade) Message {
	return Message{
		Symbol:    t.Symbol,
		Venue:     t.Venue,
		Price:     decimal.NewFromFloat(t.Price),
		Qty:       decimal.NewFromFloat(t.Qty),
		Timestamp: t.TimestampMs,
		Side:      t.TakerSide,
	}
}

// Normalizer decodes messages for one venue and counts outcomes.
type Normalizer struct {
	venue model.Venue

	accepted atomic.Int64
	dropped  atomic.Int64

	// OnDrop is called with a short reason for every rejected message.
	OnDrop func(venue model.Venue, reason string)
}

// New returns a Normalizer for messages arriving on venue's stream.
func New(venue model.Venue) *Normalizer {
	return &Normalizer{venue: venue}
}

// Decode parses raw into a validated trade.
func (n *Normalizer) Decode(raw []byte) (model.Trade, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Trade{}, n.drop("decode", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return n.Trade(m)
}

// Trade validates an already decoded message.
func (n *Normalizer) Trade(m Message) (model.Trade, error) {
	venue := m.Venue
	if venue == "" {
		venue = n.venue
	}
	if venue != n.venue {
		return model.Trade{}, n.drop("venue", fmt.Errorf("%w: %s trade on %s stream", ErrMalformed, venue, n.venue))
	}

	side := model.Side(strings.ToLower(string(m.Side)))
	if side == "" && m.BuyerMaker != nil {
		side = model.SideBuy
		if *m.BuyerMaker {
			side = model.SideSell
		}
	}

	price, _ := m.Price.Float64()
	qty, _ := m.Qty.Float64()
	t := model.Trade{
		Symbol:      strings.ToUpper(m.Symbol),
		Venue:       venue,
		Price:       price,
		Qty:         qty,
		TimestampMs: m.Timestamp,
		TakerSide:   side,
	}
	if err := t.Validate(); err != nil {
		return model.Trade{}, n.drop("invalid", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	n.accepted.Add(1)
	return t, nil
}

func (n *Normalizer) drop(reason string, err error) error {
	n.dropped.Add(1)
	if n.OnDrop != nil {
		n.OnDrop(n.venue, reason)
	}
	return err
}

// Counts returns accepted and dropped message totals.
func (n *Normalizer) Counts() (accepted, dropped int64) {
	return n.accepted.Load(), n.dropped.Load()
}
