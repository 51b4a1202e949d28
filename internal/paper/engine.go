// Package paper simulates a two-sided maker strategy against top of book.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/numeric"
	"github.com/coachpo/amadeus/internal/quote"
	"github.com/coachpo/amadeus/internal/risk"
	"github.com/coachpo/amadeus/internal/telemetry"
)

// Publisher receives every event the engine emits.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event)
}

// Gate decides whether new entries may be opened.
type Gate interface {
	CanEnter(pair string) risk.Result
}

// Limiter vets a single submission against throttle and position limits.
type Limiter interface {
	CheckOrder(ctx context.Context, side schema.Side, qty, holding decimal.Decimal) error
}

// Config carries the strategy parameters the engine needs.
type Config struct {
	Symbol        string
	QuoteSize     decimal.Decimal
	Quote         quote.Params
	CancelTimeout time.Duration
	PostOnly      bool
	AllowShort    bool
	Cash          decimal.Decimal
}

// ConfigFromApp maps the application config onto engine parameters. The tick is
// filled from the instrument at construction.
func ConfigFromApp(cfg config.AppConfig) Config {
	s := cfg.Strategy
	return Config{
		Symbol:    s.Symbol,
		QuoteSize: s.QuoteSize,
		Quote: quote.Params{
			TargetPct:     s.TargetPct,
			MinSpreadPct:  s.MinSpreadPct,
			MinNetPct:     cfg.Econ.MinNetPct,
			MakerFeePct:   cfg.Econ.MakerFeePct,
			TakerFeePct:   cfg.Econ.TakerFeePct,
			Aggressive:    s.AggressiveTake,
			AggressiveBps: s.AggressiveBps,
		},
		CancelTimeout: s.CancelTimeout.Std(),
		PostOnly:      s.PostOnly,
		AllowShort:    s.AllowShort,
		Cash:          s.PaperCash,
	}
}

// Snapshot is a consistent copy of the engine state for status reporting.
type Snapshot struct {
	Symbol string
	Trades schema.TradeCounters
	Orders schema.OrderCounters
	Bank   schema.Bank
	Quote  quote.Quote
	Active []Order
}

// Option configures an Engine.
type Option func(*Engine)

// WithGate installs the risk gate consulted before new entries.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithLimiter installs the per-order limiter.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Engine owns the paper book and the active orders. Step and Idle must be called
// from a single goroutine; Snapshot may be called from any.
type Engine struct {
	cfg     Config
	inst    schema.Instrument
	router  gateway.OrderRouter
	pub     Publisher
	gate    Gate
	limiter Limiter
	logger  *zap.Logger
	clock   func() time.Time

	halfTick decimal.Decimal
	bid      decimal.Decimal
	ask      decimal.Decimal

	mu     sync.RWMutex
	book   Book
	active map[schema.Side]*Order
	quote  quote.Quote
	trades schema.TradeCounters
	orders schema.OrderCounters

	orderEvents  metric.Int64Counter
	fills        metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewEngine validates the instrument and seeds the paper book.
func NewEngine(cfg Config, inst schema.Instrument, router gateway.OrderRouter, pub Publisher, opts ...Option) (*Engine, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if router == nil {
		return nil, errs.New("paper/new", errs.CodeInvalid, errs.WithMessage("order router required"))
	}
	if !cfg.QuoteSize.IsPositive() {
		return nil, errs.New("paper/new", errs.CodeInvalid, errs.WithMessage("quote size must be positive"))
	}
	cfg.Quote.Tick = inst.TickSize
	if cfg.Symbol == "" {
		cfg.Symbol = inst.Symbol
	}
	e := &Engine{
		cfg:      cfg,
		inst:     inst,
		router:   router,
		pub:      pub,
		logger:   zap.NewNop(),
		clock:    time.Now,
		halfTick: inst.TickSize.Div(decimal.NewFromInt(2)),
		book:     NewBook(cfg.Cash),
		active:   make(map[schema.Side]*Order, 2),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	meter := otel.Meter("paper")
	e.orderEvents, _ = meter.Int64Counter("paper.orders",
		metric.WithDescription("Paper order lifecycle transitions"),
		metric.WithUnit("{order}"))
	e.fills, _ = meter.Int64Counter("paper.fills",
		metric.WithDescription("Paper fills"),
		metric.WithUnit("{fill}"))
	e.stepDuration, _ = meter.Float64Histogram("paper.step.duration",
		metric.WithDescription("Time spent handling one market tick"),
		metric.WithUnit("ms"))
}

// Instrument returns the trading filters the engine was built with.
func (e *Engine) Instrument() schema.Instrument { return e.inst }

// Step runs one quoting cycle for tick: mark, fill, expire, gate, reseed.
func (e *Engine) Step(ctx context.Context, tick gateway.Tick) error {
	start := time.Now()
	defer func() {
		if e.stepDuration != nil {
			e.stepDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		}
	}()
	if !tick.Valid() {
		return errs.New("paper/step", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("incomplete book bid=%s ask=%s", tick.BestBid, tick.BestAsk)))
	}
	now := e.clock()

	q, err := quote.Compute(tick.BestBid, tick.BestAsk, e.cfg.Quote)
	if err != nil {
		return err
	}
	e.bid, e.ask = tick.BestBid, tick.BestAsk
	e.mu.Lock()
	e.quote = q
	e.book.Revalue(q.Mid)
	bank := e.book.Bank()
	e.mu.Unlock()

	ts := tick.At
	if ts.IsZero() {
		ts = now
	}
	e.publish(ctx, schema.Market{
		Symbol:    e.cfg.Symbol,
		BestBid:   q.Bid,
		BestAsk:   q.Ask,
		LastPrice: tick.LastPrice,
		Mid:       q.Mid,
		SpreadPct: q.SpreadPct,
		Buy:       q.Buy,
		Sell:      q.Sell,
		ExpGross:  q.GrossPct,
		ExpNet:    q.NetPct,
		TS:        schema.Millis(ts),
	})
	e.publish(ctx, bank)

	for _, side := range schema.Sides {
		if o := e.activeOrder(side); o != nil && o.Touched(tick.BestBid, tick.BestAsk) {
			e.fill(ctx, o, now)
		}
	}

	e.expire(ctx, now)

	e.publish(ctx, schema.Diag{Text: q.Diagnostic()})
	if !q.Tradable() {
		return nil
	}

	blocked := false
	if e.gate != nil {
		if res := e.gate.CanEnter(e.cfg.Symbol); !res.Allowed {
			blocked = true
			e.publish(ctx, schema.Diag{Text: "RISK " + res.Reason})
		}
	}

	for _, side := range schema.Sides {
		if blocked && (side == schema.SideBuy || e.cfg.AllowShort) {
			continue
		}
		target := q.Buy
		if side == schema.SideSell {
			target = q.Sell
		}
		e.reseed(ctx, side, target, now)
	}
	return nil
}

// Idle revalues the book at the last mid and expires stale orders. It is used
// when no fresh tick arrived within the reorder interval.
func (e *Engine) Idle(ctx context.Context) error {
	now := e.clock()
	e.mu.Lock()
	hasMark := e.book.Mid.IsPositive()
	e.book.Revalue(e.book.Mid)
	bank := e.book.Bank()
	e.mu.Unlock()
	if hasMark {
		e.publish(ctx, bank)
	}
	e.expire(ctx, now)
	return nil
}

// Snapshot returns counters, balances, the last quote and the active orders.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := Snapshot{
		Symbol: e.cfg.Symbol,
		Trades: e.trades,
		Orders: e.orders,
		Bank:   e.book.Bank(),
		Quote:  e.quote,
		Active: make([]Order, 0, len(e.active)),
	}
	for _, side := range schema.Sides {
		if o, ok := e.active[side]; ok {
			snap.Active = append(snap.Active, *o)
		}
	}
	return snap
}

func (e *Engine) activeOrder(side schema.Side) *Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[side]
}

func (e *Engine) reseed(ctx context.Context, side schema.Side, target decimal.Decimal, now time.Time) {
	if o := e.activeOrder(side); o != nil {
		if o.Price.Sub(target).Abs().LessThanOrEqual(e.halfTick) {
			return
		}
		if !e.cancel(ctx, o, "reseed", now) {
			return
		}
	}
	e.place(ctx, side, target, now)
}

func (e *Engine) place(ctx context.Context, side schema.Side, price decimal.Decimal, now time.Time) {
	qty, reason := Size(e.cfg.QuoteSize, price, e.inst)
	if reason != "" {
		e.publish(ctx, schema.Diag{Text: fmt.Sprintf("SIZE %s %s", side, reason)})
		return
	}

	e.mu.RLock()
	base := e.book.Base
	e.mu.RUnlock()
	if side == schema.SideSell && !e.cfg.AllowShort {
		held := e.sellable(base)
		if qty.GreaterThan(held) {
			qty = held
		}
		if reason := Fits(qty, price, e.inst); reason != "" {
			e.publish(ctx, schema.Diag{Text: fmt.Sprintf("SIZE %s held %s: %s", side, held, reason)})
			return
		}
	}

	if e.limiter != nil {
		if err := e.limiter.CheckOrder(ctx, side, qty, base); err != nil {
			e.publish(ctx, schema.Diag{Text: fmt.Sprintf("RISK %s %s: %v", side, qty, err)})
			return
		}
	}

	req := gateway.OrderRequest{
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Type:     e.orderType(),
		Price:    price,
		Quantity: qty,
	}
	placed, err := e.router.CreateOrder(ctx, req)
	if err != nil {
		e.logger.Warn("create order failed", zap.String("side", string(side)),
			zap.String("price", price.String()), zap.Error(err))
		e.publish(ctx, schema.Diag{Text: fmt.Sprintf("GATEWAY create %s failed: %v", side, err)})
		return
	}

	order := &Order{
		ID:        placed.ID,
		Side:      side,
		Type:      req.Type,
		Price:     price,
		Qty:       qty,
		Liquidity: e.liquidity(side, price),
		Status:    schema.OrderStatusNew,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.CancelTimeout),
	}
	if placed.Status == schema.OrderStatusRejected {
		order.Status = schema.OrderStatusRejected
		e.mu.Lock()
		e.orders.Rejected++
		e.mu.Unlock()
		e.countOrder(ctx, side, schema.OrderStatusRejected)
		e.publish(ctx, order.event(e.cfg.Symbol, schema.OrderStatusRejected, "post_only", now))
		return
	}

	e.mu.Lock()
	e.active[side] = order
	e.orders.Created++
	e.orders.Active = int64(len(e.active))
	e.mu.Unlock()
	e.countOrder(ctx, side, schema.OrderStatusNew)
	e.publish(ctx, order.event(e.cfg.Symbol, schema.OrderStatusNew, "", now))
}

// cancel reports whether the order left the active set.
func (e *Engine) cancel(ctx context.Context, o *Order, reason string, now time.Time) bool {
	if _, err := e.router.CancelOrder(ctx, e.cfg.Symbol, o.ID); err != nil && !errs.Is(err, errs.CodeNotFound) {
		e.logger.Warn("cancel order failed", zap.String("id", o.ID), zap.String("reason", reason), zap.Error(err))
		e.publish(ctx, schema.Diag{Text: fmt.Sprintf("GATEWAY cancel %s %s failed: %v", o.Side, o.ID, err)})
		return false
	}
	o.Status = schema.OrderStatusCanceled
	e.mu.Lock()
	delete(e.active, o.Side)
	e.orders.Canceled++
	if reason == "timeout" {
		e.orders.Expired++
	}
	e.orders.Active = int64(len(e.active))
	e.mu.Unlock()
	e.countOrder(ctx, o.Side, schema.OrderStatusCanceled)
	e.publish(ctx, o.event(e.cfg.Symbol, schema.OrderStatusCanceled, reason, now))
	return true
}

func (e *Engine) expire(ctx context.Context, now time.Time) {
	for _, side := range schema.Sides {
		if o := e.activeOrder(side); o != nil && o.Expired(now) {
			e.cancel(ctx, o, "timeout", now)
		}
	}
}

func (e *Engine) fill(ctx context.Context, o *Order, now time.Time) {
	o.Status = schema.OrderStatusFilled
	o.Filled = o.Qty
	notional := o.Qty.Mul(o.Price)

	pnl, bank := e.settle(o)

	e.countOrder(ctx, o.Side, schema.OrderStatusFilled)
	if e.fills != nil {
		e.fills.Add(ctx, 1, metric.WithAttributes(
			telemetry.OrderAttributes(telemetry.Environment(), e.cfg.Symbol, string(o.Side), string(o.Liquidity))...))
	}
	e.publish(ctx, o.event(e.cfg.Symbol, schema.OrderStatusFilled, "", now))
	e.publish(ctx, schema.Fill{
		ID:     o.ID,
		Symbol: e.cfg.Symbol,
		Side:   o.Side,
		Qty:    o.Qty,
		Quote:  notional,
		Avg:    o.Price,
		Liq:    o.Liquidity,
		PnL:    pnl,
		TS:     schema.Millis(now),
	})
	e.publish(ctx, bank)
}

// settle books a filled order and returns its realized PnL with the new bank.
func (e *Engine) settle(o *Order) (*decimal.Decimal, schema.Bank) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pnl := e.book.Apply(o.Side, o.Qty, o.Price)
	delete(e.active, o.Side)
	e.orders.Filled++
	e.orders.Active = int64(len(e.active))
	e.trades.Total++
	if o.Side == schema.SideBuy {
		e.trades.Buy++
	} else {
		e.trades.Sell++
	}
	if o.Liquidity == schema.LiquidityTaker {
		e.trades.Taker++
	} else {
		e.trades.Maker++
	}
	return pnl, e.book.Bank()
}

func (e *Engine) sellable(base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return numeric.RoundStep(base, e.inst.StepSize)
}

func (e *Engine) orderType() schema.OrderType {
	if e.cfg.PostOnly && !e.cfg.Quote.Aggressive {
		return schema.OrderTypeLimitMaker
	}
	return schema.OrderTypeLimit
}

// liquidity classifies an order by whether it crossed the book it was priced against.
func (e *Engine) liquidity(side schema.Side, price decimal.Decimal) schema.Liquidity {
	if side == schema.SideBuy && e.ask.IsPositive() && price.GreaterThanOrEqual(e.ask) {
		return schema.LiquidityTaker
	}
	if side == schema.SideSell && e.bid.IsPositive() && price.LessThanOrEqual(e.bid) {
		return schema.LiquidityTaker
	}
	return schema.LiquidityMaker
}

func (e *Engine) countOrder(ctx context.Context, side schema.Side, evt schema.OrderStatus) {
	if e.orderEvents == nil {
		return
	}
	e.orderEvents.Add(ctx, 1, metric.WithAttributes(
		telemetry.OrderAttributes(telemetry.Environment(), e.cfg.Symbol, string(side), string(evt))...))
}

func (e *Engine) publish(ctx context.Context, p schema.Payload) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(ctx, schema.NewEvent(p))
}
