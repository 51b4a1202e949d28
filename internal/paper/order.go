package paper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
)

// Order is a paper order owned by the engine. At most one is active per side.
type Order struct {
	ID        string
	Side      schema.Side
	Type      schema.OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Filled    decimal.Decimal
	Liquidity schema.Liquidity
	Status    schema.OrderStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Touched reports whether the book trades through the order price.
func (o *Order) Touched(bid, ask decimal.Decimal) bool {
	switch o.Side {
	case schema.SideBuy:
		return ask.IsPositive() && ask.LessThanOrEqual(o.Price)
	case schema.SideSell:
		return bid.IsPositive() && bid.GreaterThanOrEqual(o.Price)
	default:
		return false
	}
}

// Expired reports whether the order outlived its cancel timeout.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

func (o *Order) event(symbol string, evt schema.OrderStatus, reason string, now time.Time) schema.OrderEvent {
	return schema.OrderEvent{
		Evt:    evt,
		ID:     o.ID,
		Symbol: symbol,
		Side:   o.Side,
		Price:  o.Price,
		Qty:    o.Qty,
		TS:     schema.Millis(now),
		Reason: reason,
	}
}
