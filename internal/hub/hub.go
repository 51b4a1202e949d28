// Package hub is the single broadcast point for engine, controller and feed events.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/telemetry"
)

// DefaultBufferSize bounds every subscriber queue.
const DefaultBufferSize = 1000

// RiskObserver receives closed trades and equity marks derived from broadcasts.
type RiskObserver interface {
	OnTradeClosed(pair string, pnl decimal.Decimal, stoplossHit bool)
	OnEquity(value decimal.Decimal)
}

// Recorder persists order and trade events. It must not block.
type Recorder interface {
	Record(ctx context.Context, evt schema.Event)
}

type closedTrade interface {
	ClosedTrade() (string, decimal.Decimal, bool)
}

type equityCarrier interface {
	EquityValue() (decimal.Decimal, bool)
}

// Subscription is a bounded stream of serialized events. C is closed when the
// subscriber is evicted, unsubscribed or the hub closes.
type Subscription struct {
	ID string
	C  <-chan []byte

	hub *Hub
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.unsubscribe(s.ID)
}

type subscriber struct {
	id string
	ch chan []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber queue depth.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRisk routes closed trades and equity to r.
func WithRisk(r RiskObserver) Option {
	return func(h *Hub) { h.risk = r }
}

// WithRecorder routes order, trade and fill events to r.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) { h.recorder = r }
}

// WithStatus supplies the status snapshot sent to new subscribers.
func WithStatus(fn func() schema.Status) Option {
	return func(h *Hub) { h.status = fn }
}

// Hub fans events out to subscribers and routes them to risk and history.
type Hub struct {
	bufferSize int
	logger     *zap.Logger
	risk       RiskObserver
	recorder   Recorder
	status     func() schema.Status

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Int64
	evicted   atomic.Int64

	publishedCounter metric.Int64Counter
	evictions        metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	publishDuration  metric.Float64Histogram
}

// New constructs a hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
		logger:     zap.NewNop(),
		subs:       make(map[string]*subscriber),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	meter := otel.Meter("hub")
	h.publishedCounter, _ = meter.Int64Counter("hub.events.published",
		metric.WithDescription("Events broadcast by the hub"),
		metric.WithUnit("{event}"))
	h.evictions, _ = meter.Int64Counter("hub.evictions",
		metric.WithDescription("Subscribers evicted because their queue was full"),
		metric.WithUnit("{subscriber}"))
	h.subscriberGauge, _ = meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Connected subscribers"),
		metric.WithUnit("{subscriber}"))
	h.publishDuration, _ = meter.Float64Histogram("hub.publish.duration",
		metric.WithDescription("Time spent routing and delivering one event"),
		metric.WithUnit("ms"))
	return h
}

// SetRisk replaces the risk observer.
func (h *Hub) SetRisk(r RiskObserver) {
	h.mu.Lock()
	h.risk = r
	h.mu.Unlock()
}

// Publish routes evt and delivers it to every subscriber.
func (h *Hub) Publish(ctx context.Context, evt schema.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	h.route(ctx, evt)
	h.broadcast(ctx, evt.Type, h.encode(evt))
	if h.publishDuration != nil {
		h.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
}

// PublishRaw normalizes data and publishes the result.
func (h *Hub) PublishRaw(ctx context.Context, data []byte) {
	h.Publish(ctx, Normalize(data))
}

// PublishText is PublishRaw for text frames.
func (h *Hub) PublishText(ctx context.Context, text string) {
	h.PublishRaw(ctx, []byte(text))
}

// Subscribe registers a subscriber. Its queue starts with hello and the current status.
func (h *Hub) Subscribe() *Subscription {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan []byte, h.bufferSize+2)}
	sub.ch <- h.encode(schema.NewEvent(schema.Hello{Version: schema.ProtocolVersion}))
	if h.status != nil {
		sub.ch <- h.encode(schema.NewEvent(h.status()))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return &Subscription{ID: sub.id, C: sub.ch}
	}
	h.subs[sub.id] = sub
	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), 1)
	}
	return &Subscription{ID: sub.id, C: sub.ch, hub: h}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Published returns the number of events broadcast so far.
func (h *Hub) Published() int64 { return h.published.Load() }

// Evicted returns the number of subscribers dropped for falling behind.
func (h *Hub) Evicted() int64 { return h.evicted.Load() }

// Close disconnects every subscriber. Later publishes are routed but not delivered.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), -1)
	}
}

func (h *Hub) route(ctx context.Context, evt schema.Event) {
	h.mu.Lock()
	risk, recorder := h.risk, h.recorder
	h.mu.Unlock()

	switch evt.Type {
	case schema.EventTypeOrder, schema.EventTypeTrade, schema.EventTypeFill:
		if recorder != nil {
			recorder.Record(ctx, evt)
		}
	}
	if risk == nil {
		return
	}
	if ct, ok := evt.Payload.(closedTrade); ok {
		if pair, pnl, closed := ct.ClosedTrade(); closed {
			risk.OnTradeClosed(pair, pnl, pnl.IsNegative())
		}
	}
	if eq, ok := evt.Payload.(equityCarrier); ok {
		if v, present := eq.EquityValue(); present {
			risk.OnEquity(v)
		}
	}
}

// encode serializes evt once. A payload that cannot be encoded is replaced by a
// diag line describing it.
func (h *Hub) encode(evt schema.Event) []byte {
	data, err := json.Marshal(evt)
	if err == nil {
		return data
	}
	h.logger.Warn("event serialization failed", zap.String("type", string(evt.Type)), zap.Error(err))
	fallback, ferr := json.Marshal(schema.NewEvent(schema.Diag{Text: fmt.Sprintf("%s %+v", evt.Type, evt.Payload)}))
	if ferr != nil {
		return []byte(`{"type":"diag","text":"unserializable event"}`)
	}
	return fallback
}

func (h *Hub) broadcast(ctx context.Context, typ schema.EventType, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published.Add(1)
	if h.publishedCounter != nil {
		h.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(typ))...))
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			delete(h.subs, id)
			close(sub.ch)
			h.evicted.Add(1)
			if h.evictions != nil {
				h.evictions.Add(ctx, 1)
			}
			if h.subscriberGauge != nil {
				h.subscriberGauge.Add(ctx, -1)
			}
			h.logger.Warn("subscriber evicted", zap.String("subscriber", id))
		}
	}
}
