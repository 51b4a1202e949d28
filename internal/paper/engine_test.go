package paper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/quote"
	"github.com/coachpo/amadeus/internal/risk"
)

type fakeRouter struct {
	mu          sync.Mutex
	seq         int
	failCreates int
	reject      bool
	creates     []gateway.OrderRequest
	cancels     []string
}

func (r *fakeRouter) CreateOrder(_ context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreates > 0 {
		r.failCreates--
		return gateway.Order{}, errors.New("connection reset")
	}
	r.seq++
	r.creates = append(r.creates, req)
	status := schema.OrderStatusNew
	if r.reject {
		status = schema.OrderStatusRejected
	}
	return gateway.Order{ID: fmt.Sprintf("o-%d", r.seq), Symbol: req.Symbol, Side: req.Side, Price: req.Price, Quantity: req.Quantity, Status: status}, nil
}

func (r *fakeRouter) CancelOrder(_ context.Context, _ string, id string) (gateway.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, id)
	return gateway.Order{ID: id, Status: schema.OrderStatusCanceled}, nil
}

func (r *fakeRouter) GetOrder(_ context.Context, _ string, id string) (gateway.Order, error) {
	return gateway.Order{ID: id}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *recorder) Publish(_ context.Context, evt schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) orderEvents(evt schema.OrderStatus) []schema.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.OrderEvent
	for _, e := range r.events {
		if oe, ok := e.Payload.(schema.OrderEvent); ok && oe.Evt == evt {
			out = append(out, oe)
		}
	}
	return out
}

func (r *recorder) fills() []schema.Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.Fill
	for _, e := range r.events {
		if f, ok := e.Payload.(schema.Fill); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) diags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if d, ok := e.Payload.(schema.Diag); ok {
			out = append(out, d.Text)
		}
	}
	return out
}

type denyGate struct{ reason string }

func (g denyGate) CanEnter(string) risk.Result { return risk.Deny(g.reason) }

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func testInstrument() schema.Instrument {
	return schema.Instrument{
		Symbol:      "BNBUSDT",
		BaseAsset:   "BNB",
		QuoteAsset:  "USDT",
		TickSize:    decimal.RequireFromString("0.01"),
		StepSize:    decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MinNotional: decimal.RequireFromString("5"),
	}
}

func testConfig() Config {
	return Config{
		Symbol:    "BNBUSDT",
		QuoteSize: decimal.NewFromInt(10),
		Quote: quote.Params{
			TargetPct:   0.5,
			MinNetPct:   0.10,
			MakerFeePct: 0.1,
			TakerFeePct: 0.1,
		},
		CancelTimeout: 10 * time.Second,
		PostOnly:      true,
		AllowShort:    true,
		Cash:          decimal.NewFromInt(1000),
	}
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *fakeRouter, *recorder, *testClock) {
	t.Helper()
	router := &fakeRouter{}
	rec := &recorder{}
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	e, err := NewEngine(cfg, testInstrument(), router, rec, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, router, rec, clock
}

func tick(bid, ask string) gateway.Tick {
	return gateway.Tick{
		Symbol:  "BNBUSDT",
		BestBid: decimal.RequireFromString(bid),
		BestAsk: decimal.RequireFromString(ask),
	}
}

func TestStepReseedIsIdempotent(t *testing.T) {
	e, router, rec, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := e.Step(ctx, tick("100", "100.2")); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	news := rec.orderEvents(schema.OrderStatusNew)
	if len(news) != 2 {
		t.Fatalf("expected one NEW per side, got %d", len(news))
	}
	if got := rec.orderEvents(schema.OrderStatusCanceled); len(got) != 0 {
		t.Fatalf("expected no cancels, got %+v", got)
	}
	if len(router.creates) != 2 {
		t.Fatalf("expected two creates, got %d", len(router.creates))
	}
	if !news[0].Price.Equal(decimal.RequireFromString("99.84")) || !news[1].Price.Equal(decimal.RequireFromString("100.36")) {
		t.Fatalf("unexpected quote prices %s / %s", news[0].Price, news[1].Price)
	}
	if router.creates[0].Type != schema.OrderTypeLimitMaker {
		t.Fatalf("expected LIMIT_MAKER, got %s", router.creates[0].Type)
	}
	if snap := e.Snapshot(); snap.Orders.Active != 2 || snap.Orders.Created != 2 {
		t.Fatalf("unexpected counters %+v", snap.Orders)
	}
}

func TestStepReseedsWhenPriceMoves(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = e.Step(ctx, tick("100", "100.2"))
	_ = e.Step(ctx, tick("100.1", "100.3"))

	cancels := rec.orderEvents(schema.OrderStatusCanceled)
	if len(cancels) != 2 {
		t.Fatalf("expected both sides reseeded, got %d cancels", len(cancels))
	}
	for _, c := range cancels {
		if c.Reason != "reseed" {
			t.Fatalf("expected reseed reason, got %q", c.Reason)
		}
	}
	if got := len(rec.orderEvents(schema.OrderStatusNew)); got != 4 {
		t.Fatalf("expected replacement orders, got %d NEW", got)
	}
}

func TestStepCancelsOnTimeout(t *testing.T) {
	e, _, rec, clock := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = e.Step(ctx, tick("100", "100.2"))

	clock.now = clock.now.Add(9 * time.Second)
	_ = e.Step(ctx, tick("100", "100.2"))
	if got := rec.orderEvents(schema.OrderStatusCanceled); len(got) != 0 {
		t.Fatalf("expected no cancel before timeout, got %+v", got)
	}

	clock.now = clock.now.Add(2 * time.Second)
	_ = e.Step(ctx, tick("100", "100.2"))
	cancels := rec.orderEvents(schema.OrderStatusCanceled)
	if len(cancels) != 2 || cancels[0].Reason != "timeout" {
		t.Fatalf("expected timeout cancels, got %+v", cancels)
	}
	snap := e.Snapshot()
	if snap.Orders.Expired != 2 || snap.Orders.Canceled != 2 {
		t.Fatalf("unexpected counters %+v", snap.Orders)
	}
	if snap.Orders.Active != 2 {
		t.Fatalf("expected fresh orders after timeout, got %d active", snap.Orders.Active)
	}
}

func TestIdleExpiresOrders(t *testing.T) {
	e, _, rec, clock := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = e.Step(ctx, tick("100", "100.2"))
	clock.now = clock.now.Add(11 * time.Second)
	if err := e.Idle(ctx); err != nil {
		t.Fatalf("idle: %v", err)
	}
	if got := rec.orderEvents(schema.OrderStatusCanceled); len(got) != 2 {
		t.Fatalf("expected idle expiry, got %d cancels", len(got))
	}
	if e.Snapshot().Orders.Active != 0 {
		t.Fatal("idle must not place orders")
	}
}

func touchConfig() Config {
	cfg := testConfig()
	cfg.Quote = quote.Params{TargetPct: 0.01}
	cfg.AllowShort = false
	return cfg
}

func TestFillByTouch(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, touchConfig())
	ctx := context.Background()

	_ = e.Step(ctx, tick("100", "100.2"))
	news := rec.orderEvents(schema.OrderStatusNew)
	if len(news) != 1 || news[0].Side != schema.SideBuy || !news[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected a single BUY at 100, got %+v", news)
	}

	_ = e.Step(ctx, tick("99.8", "99.9"))
	fills := rec.fills()
	if len(fills) != 1 {
		t.Fatalf("expected one fill, got %d", len(fills))
	}
	f := fills[0]
	if f.Side != schema.SideBuy || !f.Avg.Equal(decimal.NewFromInt(100)) || !f.Qty.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected fill %+v", f)
	}
	if f.PnL != nil {
		t.Fatal("buy fill must not carry pnl")
	}
	if f.Liq != schema.LiquidityMaker {
		t.Fatalf("expected maker fill, got %s", f.Liq)
	}

	snap := e.Snapshot()
	if !snap.Bank.Cash.Equal(decimal.NewFromInt(990)) || !snap.Bank.Base.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected bank %+v", snap.Bank)
	}
	if snap.Trades.Total != 1 || snap.Trades.Buy != 1 || snap.Trades.Maker != 1 || snap.Orders.Filled != 1 {
		t.Fatalf("unexpected counters %+v %+v", snap.Trades, snap.Orders)
	}
	if got := rec.orderEvents(schema.OrderStatusFilled); len(got) != 1 {
		t.Fatalf("expected FILLED event, got %d", len(got))
	}
}

func TestSellFillCarriesRealizedPnL(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, touchConfig())
	ctx := context.Background()
	_ = e.Step(ctx, tick("100", "100.2"))
	_ = e.Step(ctx, tick("99.8", "99.9"))
	_ = e.Step(ctx, tick("105", "105.2"))

	fills := rec.fills()
	if len(fills) < 2 {
		t.Fatalf("expected buy and sell fills, got %d", len(fills))
	}
	sell := fills[1]
	if sell.Side != schema.SideSell || sell.PnL == nil {
		t.Fatalf("expected sell fill with pnl, got %+v", sell)
	}
	if !sell.PnL.Equal(decimal.RequireFromString("-0.01")) {
		t.Fatalf("expected pnl -0.01, got %s", sell.PnL)
	}
	if snap := e.Snapshot(); !snap.Bank.Base.IsZero() {
		t.Fatalf("expected flat inventory, got %s", snap.Bank.Base)
	}
}

func TestGatewayErrorRetriedNextTick(t *testing.T) {
	e, router, rec, _ := newTestEngine(t, touchConfig())
	router.failCreates = 1
	ctx := context.Background()

	_ = e.Step(ctx, tick("100", "100.2"))
	if got := rec.orderEvents(schema.OrderStatusNew); len(got) != 0 {
		t.Fatalf("expected no order after failure, got %+v", got)
	}
	found := false
	for _, d := range rec.diags() {
		if strings.Contains(d, "GATEWAY create BUY failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected gateway diag, got %v", rec.diags())
	}

	_ = e.Step(ctx, tick("100", "100.2"))
	if got := rec.orderEvents(schema.OrderStatusNew); len(got) != 1 {
		t.Fatalf("expected retry to place the order, got %d", len(got))
	}
}

func TestRiskDenialBlocksEntries(t *testing.T) {
	e, router, rec, _ := newTestEngine(t, testConfig(), WithGate(denyGate{reason: "CooldownPeriod: locked"}))
	_ = e.Step(context.Background(), tick("100", "100.2"))

	if len(router.creates) != 0 {
		t.Fatalf("expected no orders under a lock, got %d", len(router.creates))
	}
	diags := rec.diags()
	if len(diags) < 2 || diags[0] != "OK" || diags[1] != "RISK CooldownPeriod: locked" {
		t.Fatalf("unexpected diags %v", diags)
	}
}

func TestGatedQuotePlacesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Quote.MinSpreadPct = 1
	e, router, rec, _ := newTestEngine(t, cfg)
	_ = e.Step(context.Background(), tick("100", "100.2"))
	if len(router.creates) != 0 {
		t.Fatal("gated quote must not place orders")
	}
	if diags := rec.diags(); len(diags) != 1 || !strings.HasPrefix(diags[0], "SPREAD") {
		t.Fatalf("unexpected diags %v", diags)
	}
}

func TestPostOnlyRejectCounted(t *testing.T) {
	e, router, rec, _ := newTestEngine(t, testConfig())
	router.reject = true
	_ = e.Step(context.Background(), tick("100", "100.2"))
	snap := e.Snapshot()
	if snap.Orders.Rejected != 2 || snap.Orders.Active != 0 {
		t.Fatalf("unexpected counters %+v", snap.Orders)
	}
	if got := rec.orderEvents(schema.OrderStatusRejected); len(got) != 2 {
		t.Fatalf("expected rejected events, got %d", len(got))
	}
}

func TestStepRejectsIncompleteBook(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())
	if err := e.Step(context.Background(), tick("0", "100")); err == nil {
		t.Fatal("expected error for empty bid")
	}
}

func TestSellCappedToHoldingRechecksFilters(t *testing.T) {
	e, router, rec, _ := newTestEngine(t, touchConfig())
	e.book.Base = decimal.RequireFromString("0.005")

	_ = e.Step(context.Background(), tick("100", "100.2"))
	for _, req := range router.creates {
		if req.Side == schema.SideSell {
			t.Fatalf("sell below the instrument minimums was routed: %+v", req)
		}
	}
	found := false
	for _, d := range rec.diags() {
		if strings.HasPrefix(d, "SIZE SELL held 0.005: notional") && strings.Contains(d, "< MIN_NOTIONAL 5") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sell size diag, got %v", rec.diags())
	}
}

func TestSellWithoutHoldingReportsDiag(t *testing.T) {
	e, router, rec, _ := newTestEngine(t, touchConfig())
	_ = e.Step(context.Background(), tick("100", "100.2"))

	if len(router.creates) != 1 || router.creates[0].Side != schema.SideBuy {
		t.Fatalf("expected only the buy side, got %+v", router.creates)
	}
	found := false
	for _, d := range rec.diags() {
		if d == "SIZE SELL held 0: qty 0 <= 0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected empty holding diag, got %v", rec.diags())
	}
}

func TestFits(t *testing.T) {
	inst := testInstrument()
	inst.MinQty = decimal.RequireFromString("0.01")
	price := decimal.NewFromInt(100)
	cases := []struct {
		qty, want string
	}{
		{"0", "qty 0 <= 0"},
		{"0.005", "qty 0.005 < MIN_QTY 0.01"},
		{"0.02", "notional 2 < MIN_NOTIONAL 5"},
		{"0.05", ""},
	}
	for _, tc := range cases {
		if got := Fits(decimal.RequireFromString(tc.qty), price, inst); got != tc.want {
			t.Fatalf("Fits(%s) = %q, want %q", tc.qty, got, tc.want)
		}
	}
}

func TestSettlePanicReleasesLock(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected settle to panic on a nil order")
			}
		}()
		e.settle(nil)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Snapshot()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine lock still held after a panic while settling")
	}
}
