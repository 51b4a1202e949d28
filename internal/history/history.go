// Package history persists paper order and trade events for later inspection.
package history

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// OrderRecord is one order lifecycle transition.
type OrderRecord struct {
	ID     string             `json:"id"`
	Symbol string             `json:"symbol"`
	Side   schema.Side        `json:"side"`
	Event  schema.OrderStatus `json:"evt"`
	Price  decimal.Decimal    `json:"price"`
	Qty    decimal.Decimal    `json:"qty"`
	Reason string             `json:"reason,omitempty"`
	At     time.Time          `json:"ts"`
}

// TradeRecord is one execution.
type TradeRecord struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Side      schema.Side      `json:"side"`
	Price     decimal.Decimal  `json:"price"`
	Qty       decimal.Decimal  `json:"qty"`
	Quote     decimal.Decimal  `json:"quote"`
	Liquidity schema.Liquidity `json:"liq,omitempty"`
	PnL       *decimal.Decimal `json:"pnl,omitempty"`
	At        time.Time        `json:"ts"`
}

// Stats aggregates the recorded trades.
type Stats struct {
	Orders   int64           `json:"orders"`
	Trades   int64           `json:"trades"`
	Wins     int64           `json:"wins"`
	Losses   int64           `json:"losses"`
	Realized decimal.Decimal `json:"realized_pnl"`
	Volume   decimal.Decimal `json:"volume"`
}

// Sink stores history records. Listing methods return the newest records first.
type Sink interface {
	RecordOrder(ctx context.Context, rec OrderRecord) error
	RecordTrade(ctx context.Context, rec TradeRecord) error
	Orders(ctx context.Context, limit int) ([]OrderRecord, error)
	Trades(ctx context.Context, limit int) ([]TradeRecord, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// FromEvent converts a broadcast event into a record. Only order, fill and trade
// events produce one.
func FromEvent(evt schema.Event) (any, bool) {
	switch p := evt.Payload.(type) {
	case schema.OrderEvent:
		return OrderRecord{
			ID:     p.ID,
			Symbol: p.Symbol,
			Side:   p.Side,
			Event:  p.Evt,
			Price:  p.Price,
			Qty:    p.Qty,
			Reason: p.Reason,
			At:     fromMillis(p.TS),
		}, true
	case schema.Fill:
		return TradeRecord{
			ID:        p.ID,
			Symbol:    p.Symbol,
			Side:      p.Side,
			Price:     p.Avg,
			Qty:       p.Qty,
			Quote:     p.Quote,
			Liquidity: p.Liq,
			PnL:       p.PnL,
			At:        fromMillis(p.TS),
		}, true
	case schema.Trade:
		return TradeRecord{
			ID:     p.ID,
			Symbol: p.Symbol,
			Side:   p.Side,
			Price:  p.Price,
			Qty:    p.Qty,
			Quote:  p.Price.Mul(p.Qty),
			PnL:    p.PnL,
			At:     fromMillis(p.TS),
		}, true
	default:
		return nil, false
	}
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func accumulate(st *Stats, rec TradeRecord) {
	st.Trades++
	st.Volume = st.Volume.Add(rec.Quote)
	if rec.PnL == nil {
		return
	}
	st.Realized = st.Realized.Add(*rec.PnL)
	switch rec.PnL.Sign() {
	case 1:
		st.Wins++
	case -1:
		st.Losses++
	}
}
