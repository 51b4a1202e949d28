package gateway

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/telemetry"
)

// Operation names reported in the stats "rest" map.
const (
	OpCreateOrder = "create_order"
	OpCancelOrder = "cancel_order"
	OpGetOrder    = "get_order"
	OpBookTicker  = "book_ticker"
	OpInstrument  = "exchange_info"
)

// Meter counts gateway calls per operation.
type Meter struct {
	Gateway

	counts map[string]*atomic.Int64
	calls  metric.Int64Counter
}

// NewMeter wraps gw with per-operation call counters.
func NewMeter(gw Gateway) *Meter {
	m := &Meter{Gateway: gw, counts: make(map[string]*atomic.Int64, 5)}
	for _, op := range []string{OpCreateOrder, OpCancelOrder, OpGetOrder, OpBookTicker, OpInstrument} {
		m.counts[op] = new(atomic.Int64)
	}
	meter := otel.Meter("gateway")
	m.calls, _ = meter.Int64Counter("gateway.calls",
		metric.WithDescription("Gateway calls by operation and result"),
		metric.WithUnit("{call}"))
	return m
}

func (m *Meter) record(ctx context.Context, op string, err error) {
	if c, ok := m.counts[op]; ok {
		c.Add(1)
	}
	if m.calls == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(op),
		telemetry.AttrResult.String(result)))
}

// Counts returns a snapshot of call counts keyed by operation.
func (m *Meter) Counts() map[string]int64 {
	out := make(map[string]int64, len(m.counts))
	for op, c := range m.counts {
		out[op] = c.Load()
	}
	return out
}

func (m *Meter) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	o, err := m.Gateway.CreateOrder(ctx, req)
	m.record(ctx, OpCreateOrder, err)
	return o, err
}

func (m *Meter) CancelOrder(ctx context.Context, symbol, id string) (Order, error) {
	o, err := m.Gateway.CancelOrder(ctx, symbol, id)
	m.record(ctx, OpCancelOrder, err)
	return o, err
}

func (m *Meter) GetOrder(ctx context.Context, symbol, id string) (Order, error) {
	o, err := m.Gateway.GetOrder(ctx, symbol, id)
	m.record(ctx, OpGetOrder, err)
	return o, err
}

func (m *Meter) BookTicker(ctx context.Context, symbol string) (Tick, error) {
	t, err := m.Gateway.BookTicker(ctx, symbol)
	m.record(ctx, OpBookTicker, err)
	return t, err
}

func (m *Meter) Instrument(ctx context.Context, symbol string) (schema.Instrument, error) {
	inst, err := m.Gateway.Instrument(ctx, symbol)
	m.record(ctx, OpInstrument, err)
	return inst, err
}
