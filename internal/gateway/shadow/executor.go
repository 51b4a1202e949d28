// Package shadow executes orders locally against the last observed book.
package shadow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
)

const maxClosedOrders = 1000

// Options configures an Executor.
type Options struct {
	// Latency delays every order call to approximate a venue round trip.
	Latency time.Duration
	// PostOnlyReject rejects LIMIT_MAKER orders that would cross the book.
	PostOnlyReject bool
	Clock          func() time.Time
	Logger         *zap.Logger
}

type book struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// Executor is an in-memory order router. Resting orders fill when the book
// touches their price.
type Executor struct {
	opts Options

	mu     sync.Mutex
	books  map[string]book
	orders map[string]*gateway.Order
	closed []string
}

var _ gateway.OrderRouter = (*Executor)(nil)

// New constructs an executor.
func New(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		opts:   opts,
		books:  make(map[string]book),
		orders: make(map[string]*gateway.Order),
	}
}

// OnBook records top of book and fills resting orders it touches.
func (e *Executor) OnBook(t gateway.Tick) {
	if !t.Valid() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[t.Symbol] = book{bid: t.BestBid, ask: t.BestAsk}
	now := e.opts.Clock()
	for _, o := range e.orders {
		if o.Symbol != t.Symbol || o.Status != schema.OrderStatusNew {
			continue
		}
		if crosses(o.Side, o.Price, t.BestBid, t.BestAsk) {
			o.Status = schema.OrderStatusFilled
			o.ExecutedQty = o.Quantity
			o.UpdatedAt = now
			e.retireLocked(o.ID)
		}
	}
}

// CreateOrder accepts a limit order. Post-only orders that would take liquidity
// come back REJECTED when PostOnlyReject is set.
func (e *Executor) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return gateway.Order{}, errs.New("shadow/create", errs.CodeInvalid,
			errs.WithMessage("price and quantity must be positive"),
			errs.WithField("symbol", req.Symbol))
	}
	if err := e.wait(ctx); err != nil {
		return gateway.Order{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Clock()
	typ := req.Type
	if typ == "" {
		typ = schema.OrderTypeLimit
	}
	o := &gateway.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      typ,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    schema.OrderStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if typ == schema.OrderTypeLimitMaker && e.opts.PostOnlyReject {
		if b, ok := e.books[req.Symbol]; ok && crosses(req.Side, req.Price, b.bid, b.ask) {
			o.Status = schema.OrderStatusRejected
			e.opts.Logger.Debug("post-only order would cross",
				zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
				zap.String("price", req.Price.String()))
		}
	}
	e.orders[o.ID] = o
	if o.Status != schema.OrderStatusNew {
		e.retireLocked(o.ID)
	}
	return *o, nil
}

// CancelOrder cancels an open order. Unknown and already closed orders report not_found.
func (e *Executor) CancelOrder(ctx context.Context, symbol, id string) (gateway.Order, error) {
	if err := e.wait(ctx); err != nil {
		return gateway.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol || o.Status != schema.OrderStatusNew {
		return gateway.Order{}, errs.New("shadow/cancel", errs.CodeNotFound,
			errs.WithMessage("unknown order"),
			errs.WithField("symbol", symbol),
			errs.WithField("order_id", id))
	}
	o.Status = schema.OrderStatusCanceled
	o.UpdatedAt = e.opts.Clock()
	e.retireLocked(id)
	return *o, nil
}

// GetOrder returns the executor view of an order.
func (e *Executor) GetOrder(ctx context.Context, symbol, id string) (gateway.Order, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol {
		return gateway.Order{}, errs.New("shadow/get", errs.CodeNotFound,
			errs.WithMessage("unknown order"),
			errs.WithField("symbol", symbol),
			errs.WithField("order_id", id))
	}
	return *o, nil
}

// Open returns the number of resting orders.
func (e *Executor) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders) - len(e.closed)
}

func (e *Executor) wait(ctx context.Context) error {
	if e.opts.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.opts.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retireLocked keeps the most recent closed orders queryable and forgets older ones.
func (e *Executor) retireLocked(id string) {
	e.closed = append(e.closed, id)
	if over := len(e.closed) - maxClosedOrders; over > 0 {
		for _, old := range e.closed[:over] {
			delete(e.orders, old)
		}
		e.closed = append(e.closed[:0], e.closed[over:]...)
	}
}

func crosses(side schema.Side, price, bid, ask decimal.Decimal) bool {
	if side == schema.SideBuy {
		return ask.IsPositive() && price.GreaterThanOrEqual(ask)
	}
	return bid.IsPositive() && price.LessThanOrEqual(bid)
}
