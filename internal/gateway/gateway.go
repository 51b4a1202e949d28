// Package gateway defines the exchange boundary consumed by the trading loop.
package gateway

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
)

// Tick is a top-of-book observation.
type Tick struct {
	Symbol    string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	LastPrice *decimal.Decimal
	At        time.Time
}

// Valid reports whether both sides of the book are populated.
func (t Tick) Valid() bool {
	return t.BestBid.IsPositive() && t.BestAsk.IsPositive()
}

// OrderRequest describes a limit order submission.
type OrderRequest struct {
	Symbol   string
	Side     schema.Side
	Type     schema.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Order is the venue view of an order.
type Order struct {
	ID          string
	Symbol      string
	Side        schema.Side
	Type        schema.OrderType
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	Status      schema.OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderRouter submits, cancels and queries orders.
type OrderRouter interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, id string) (Order, error)
	GetOrder(ctx context.Context, symbol, id string) (Order, error)
}

// MarketFeed streams and snapshots top of book.
type MarketFeed interface {
	// Subscribe streams ticks until ctx is cancelled. Both channels are closed on exit.
	Subscribe(ctx context.Context, symbol string) (<-chan Tick, <-chan error, error)
	BookTicker(ctx context.Context, symbol string) (Tick, error)
}

// InstrumentSource resolves trading filters for a symbol.
type InstrumentSource interface {
	Instrument(ctx context.Context, symbol string) (schema.Instrument, error)
}

// Gateway is the full exchange handle owned by the lifecycle controller.
type Gateway interface {
	OrderRouter
	MarketFeed
	InstrumentSource
	io.Closer
}
