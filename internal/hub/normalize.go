package hub

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
)

// venueTypes maps exchange stream event names onto broadcast event types.
var venueTypes = map[string]schema.EventType{
	"bookTicker":      schema.EventTypeMarket,
	"depthUpdate":     schema.EventTypeMarket,
	"24hrTicker":      schema.EventTypeMarket,
	"aggTrade":        schema.EventTypeTrade,
	"trade":           schema.EventTypeTrade,
	"executionReport": schema.EventTypeOrder,
}

// Normalize turns an arbitrary inbound message into a broadcast event. Tagged JSON
// is decoded into its typed payload, exchange stream payloads are translated,
// other JSON passes through verbatim and anything else becomes a diag line.
func Normalize(data []byte) schema.Event {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return schema.NewEvent(schema.Diag{Text: diagText(trimmed)})
	}
	if trimmed[0] != '{' {
		return schema.NewEvent(raw("", trimmed))
	}

	var fields streamFields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return schema.NewEvent(raw("", trimmed))
	}

	if tag, ok := stringField(fields, "type"); ok && tag != "" {
		typ := schema.EventType(tag)
		payload, err := schema.DecodePayload(typ, trimmed)
		if err != nil {
			return schema.NewEvent(raw(typ, trimmed))
		}
		return schema.NewEvent(payload)
	}

	name, hasEvent := stringField(fields, "e")
	_, hasSymbol := fields["s"]
	if hasEvent && hasSymbol {
		if typ, known := venueTypes[name]; known {
			if payload, err := translate(name, fields); err == nil && payload.Kind() == typ {
				return schema.NewEvent(payload)
			}
		}
	}
	return schema.NewEvent(raw("", trimmed))
}

func raw(typ schema.EventType, body []byte) schema.Raw {
	return schema.Raw{Type: typ, Body: append(json.RawMessage(nil), body...)}
}

func diagText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strconv.Quote(string(b))
}

func stringField(fields streamFields, key string) (string, bool) {
	rawValue, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(rawValue, &s); err != nil {
		return "", false
	}
	return s, true
}

// Exchange stream keys differ only by case ("b"/"B", "x"/"X"), so fields are
// read by exact key instead of through struct tags.
type streamFields map[string]json.RawMessage

func (f streamFields) str(key string) string {
	s, _ := stringField(f, key)
	return s
}

func (f streamFields) dec(key string) (decimal.Decimal, error) {
	rawValue, ok := f[key]
	if !ok {
		return decimal.Zero, nil
	}
	var v decimal.Decimal
	if err := json.Unmarshal(rawValue, &v); err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
	}
	return v, nil
}

func (f streamFields) num(key string) int64 {
	rawValue, ok := f[key]
	if !ok {
		return 0
	}
	var v int64
	if err := json.Unmarshal(rawValue, &v); err != nil {
		return 0
	}
	return v
}

func (f streamFields) flag(key string) bool {
	rawValue, ok := f[key]
	if !ok {
		return false
	}
	var v bool
	_ = json.Unmarshal(rawValue, &v)
	return v
}

// bestLevel returns the price of the first [price, qty] level under key.
func (f streamFields) bestLevel(key string) (decimal.Decimal, error) {
	rawValue, ok := f[key]
	if !ok {
		return decimal.Zero, nil
	}
	var levels [][]decimal.Decimal
	if err := json.Unmarshal(rawValue, &levels); err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
	}
	if len(levels) == 0 || len(levels[0]) == 0 {
		return decimal.Zero, nil
	}
	return levels[0][0], nil
}

func translate(name string, fields streamFields) (schema.Payload, error) {
	symbol := fields.str("s")
	switch name {
	case "bookTicker", "24hrTicker":
		bid, err := fields.dec("b")
		if err != nil {
			return nil, err
		}
		ask, err := fields.dec("a")
		if err != nil {
			return nil, err
		}
		var last *decimal.Decimal
		if name == "24hrTicker" {
			c, err := fields.dec("c")
			if err != nil {
				return nil, err
			}
			last = &c
		}
		return marketPayload(symbol, bid, ask, last, fields.num("E")), nil
	case "depthUpdate":
		bid, err := fields.bestLevel("b")
		if err != nil {
			return nil, err
		}
		ask, err := fields.bestLevel("a")
		if err != nil {
			return nil, err
		}
		return marketPayload(symbol, bid, ask, nil, fields.num("E")), nil
	case "aggTrade", "trade":
		price, err := fields.dec("p")
		if err != nil {
			return nil, err
		}
		qty, err := fields.dec("q")
		if err != nil {
			return nil, err
		}
		id := fields.num("t")
		if name == "aggTrade" {
			id = fields.num("a")
		}
		side := schema.SideBuy
		if fields.flag("m") {
			side = schema.SideSell
		}
		return schema.Trade{
			ID:     strconv.FormatInt(id, 10),
			Symbol: symbol,
			Side:   side,
			Price:  price,
			Qty:    qty,
			TS:     fields.num("T"),
		}, nil
	case "executionReport":
		price, err := fields.dec("p")
		if err != nil {
			return nil, err
		}
		qty, err := fields.dec("q")
		if err != nil {
			return nil, err
		}
		side, _ := schema.ParseSide(fields.str("S"))
		reason := fields.str("r")
		if reason == "NONE" {
			reason = ""
		}
		return schema.OrderEvent{
			Evt:    schema.OrderStatus(fields.str("X")),
			ID:     strconv.FormatInt(fields.num("i"), 10),
			Symbol: symbol,
			Side:   side,
			Price:  price,
			Qty:    qty,
			TS:     fields.num("E"),
			Reason: reason,
		}, nil
	default:
		return nil, fmt.Errorf("no translation for %s", name)
	}
}

func marketPayload(symbol string, bid, ask decimal.Decimal, last *decimal.Decimal, ts int64) schema.Market {
	m := schema.Market{Symbol: symbol, BestBid: bid, BestAsk: ask, LastPrice: last, TS: ts}
	if bid.IsPositive() && ask.IsPositive() {
		m.Mid = bid.Add(ask).Div(decimal.NewFromInt(2))
		m.SpreadPct = ask.Sub(bid).Div(bid).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return m
}
