// Package schema defines the broadcast event vocabulary and trading domain types.
package schema

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ProtocolVersion is announced to every push-channel subscriber in the hello event.
const ProtocolVersion = "1.0"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventTypeHello  EventType = "hello"
	EventTypeStatus EventType = "status"
	EventTypeMarket EventType = "market"
	EventTypeBank   EventType = "bank"
	EventTypeOrder  EventType = "order_event"
	EventTypeTrade  EventType = "trade"
	EventTypeFill   EventType = "fill"
	EventTypeDiag   EventType = "diag"
	EventTypeStats  EventType = "stats"
)

// Payload is implemented by every typed event body.
type Payload interface {
	Kind() EventType
}

// Event is a tagged broadcast record. It serialises as a flat JSON object
// with the tag under "type" next to the payload fields.
type Event struct {
	Type    EventType
	Payload Payload
}

// NewEvent wraps p with its own tag.
func NewEvent(p Payload) Event {
	if p == nil {
		return Event{}
	}
	return Event{Type: p.Kind(), Payload: p}
}

// MarshalJSON flattens the payload next to the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	if raw, ok := e.Payload.(Raw); ok {
		if len(raw.Body) == 0 {
			return []byte("null"), nil
		}
		return raw.Body, nil
	}
	tag, err := json.Marshal(string(e.Type))
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return append(append([]byte(`{"type":`), tag...), '}'), nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s payload: expected object", e.Type)
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// DecodePayload decodes data into the typed payload registered for typ.
// Unknown tags are preserved verbatim as Raw.
func DecodePayload(typ EventType, data []byte) (Payload, error) {
	switch typ {
	case EventTypeHello:
		var p Hello
		err := unmarshal(data, &p)
		return p, err
	case EventTypeStatus:
		var p Status
		err := unmarshal(data, &p)
		return p, err
	case EventTypeMarket:
		var p Market
		err := unmarshal(data, &p)
		return p, err
	case EventTypeBank:
		var p Bank
		err := unmarshal(data, &p)
		return p, err
	case EventTypeOrder:
		var p OrderEvent
		err := unmarshal(data, &p)
		return p, err
	case EventTypeTrade:
		var p Trade
		err := unmarshal(data, &p)
		return p, err
	case EventTypeFill:
		var p Fill
		err := unmarshal(data, &p)
		return p, err
	case EventTypeDiag:
		var p Diag
		err := unmarshal(data, &p)
		return p, err
	case EventTypeStats:
		var p Stats
		err := unmarshal(data, &p)
		return p, err
	default:
		return Raw{Type: typ, Body: append(json.RawMessage(nil), data...)}, nil
	}
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Millis converts t to the unix-millisecond timestamps used on the wire.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Hello greets a new subscriber.
type Hello struct {
	Version string `json:"version"`
}

func (Hello) Kind() EventType { return EventTypeHello }

// Status reports the lifecycle state and metrics snapshot.
type Status struct {
	Running bool    `json:"running"`
	State   string  `json:"state"`
	Symbol  string  `json:"symbol"`
	Metrics Metrics `json:"metrics"`
	Config  any     `json:"cfg,omitempty"`
}

func (Status) Kind() EventType { return EventTypeStatus }

// Metrics aggregates the counters reported in status events.
type Metrics struct {
	WSRate float64       `json:"ws_rate"`
	Trades TradeCounters `json:"trades"`
	Orders OrderCounters `json:"orders"`
	Bank   *Bank         `json:"bank,omitempty"`
}

// TradeCounters counts fills by side and liquidity.
type TradeCounters struct {
	Total int64 `json:"total"`
	Buy   int64 `json:"buy"`
	Sell  int64 `json:"sell"`
	Maker int64 `json:"maker"`
	Taker int64 `json:"taker"`
}

// OrderCounters counts order lifecycle transitions.
type OrderCounters struct {
	Created  int64 `json:"created"`
	Canceled int64 `json:"canceled"`
	Rejected int64 `json:"rejected"`
	Filled   int64 `json:"filled"`
	Expired  int64 `json:"expired"`
	Active   int64 `json:"active"`
}

// Market carries top of book plus the computed quote.
type Market struct {
	Symbol    string           `json:"symbol"`
	BestBid   decimal.Decimal  `json:"bestBid"`
	BestAsk   decimal.Decimal  `json:"bestAsk"`
	LastPrice *decimal.Decimal `json:"lastPrice,omitempty"`
	Mid       decimal.Decimal  `json:"mid"`
	SpreadPct float64          `json:"spreadPct"`
	Buy       decimal.Decimal  `json:"buy"`
	Sell      decimal.Decimal  `json:"sell"`
	ExpGross  float64          `json:"expGross"`
	ExpNet    float64          `json:"expNet"`
	TS        int64            `json:"ts"`
}

func (Market) Kind() EventType { return EventTypeMarket }

// Bank reports paper balances.
type Bank struct {
	Cash     decimal.Decimal `json:"cash"`
	Base     decimal.Decimal `json:"base"`
	Equity   decimal.Decimal `json:"equity"`
	Realized decimal.Decimal `json:"realized"`
}

func (Bank) Kind() EventType { return EventTypeBank }

// EquityValue exposes the equity field for risk tracking.
func (b Bank) EquityValue() (decimal.Decimal, bool) { return b.Equity, true }

// OrderEvent reports an order lifecycle transition.
type OrderEvent struct {
	Evt    OrderStatus     `json:"evt"`
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
	TS     int64           `json:"ts"`
	Reason string          `json:"reason,omitempty"`
}

func (OrderEvent) Kind() EventType { return EventTypeOrder }

// Trade reports an executed trade. PnL is set for trades that close inventory.
type Trade struct {
	ID     string           `json:"id"`
	Symbol string           `json:"symbol"`
	Side   Side             `json:"side"`
	Price  decimal.Decimal  `json:"price"`
	Qty    decimal.Decimal  `json:"qty"`
	PnL    *decimal.Decimal `json:"pnl,omitempty"`
	TS     int64            `json:"ts"`
}

func (Trade) Kind() EventType { return EventTypeTrade }

// ClosedTrade returns the realized PnL when the trade closed inventory.
func (t Trade) ClosedTrade() (string, decimal.Decimal, bool) {
	if t.PnL == nil {
		return t.Symbol, decimal.Zero, false
	}
	return t.Symbol, *t.PnL, true
}

// Fill reports a paper execution.
type Fill struct {
	ID     string           `json:"id,omitempty"`
	Symbol string           `json:"symbol,omitempty"`
	Side   Side             `json:"side"`
	Qty    decimal.Decimal  `json:"qty"`
	Quote  decimal.Decimal  `json:"quote"`
	Avg    decimal.Decimal  `json:"avg"`
	Liq    Liquidity        `json:"liq"`
	PnL    *decimal.Decimal `json:"pnl,omitempty"`
	TS     int64            `json:"ts,omitempty"`
}

func (Fill) Kind() EventType { return EventTypeFill }

// ClosedTrade returns the realized PnL when the fill reduced inventory.
func (f Fill) ClosedTrade() (string, decimal.Decimal, bool) {
	if f.PnL == nil {
		return f.Symbol, decimal.Zero, false
	}
	return f.Symbol, *f.PnL, true
}

// Diag carries a human-readable diagnostic line.
type Diag struct {
	Text string `json:"text"`
}

func (Diag) Kind() EventType { return EventTypeDiag }

// Stats reports feed and broadcast throughput.
type Stats struct {
	WSRate        float64          `json:"ws_rate"`
	WSClients     int              `json:"ws_clients"`
	BroadcastRate float64          `json:"broadcast_rate"`
	REST          map[string]int64 `json:"rest,omitempty"`
}

func (Stats) Kind() EventType { return EventTypeStats }

// Raw is a payload broadcast verbatim.
type Raw struct {
	Type EventType
	Body json.RawMessage
}

func (r Raw) Kind() EventType { return r.Type }

// EquityValue extracts a numeric "equity" field from the raw body, if any.
func (r Raw) EquityValue() (decimal.Decimal, bool) {
	var probe struct {
		Equity *decimal.Decimal `json:"equity"`
	}
	if err := json.Unmarshal(r.Body, &probe); err != nil || probe.Equity == nil {
		return decimal.Zero, false
	}
	return *probe.Equity, true
}
