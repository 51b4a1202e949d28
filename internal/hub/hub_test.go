package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/amadeus/internal/domain/schema"
)

type riskSpy struct {
	mu     sync.Mutex
	trades []string
	stops  []bool
	equity []decimal.Decimal
}

func (r *riskSpy) OnTradeClosed(pair string, pnl decimal.Decimal, stoplossHit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, pair+":"+pnl.String())
	r.stops = append(r.stops, stoplossHit)
}

func (r *riskSpy) OnEquity(v decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equity = append(r.equity, v)
}

type recorderSpy struct {
	mu    sync.Mutex
	types []schema.EventType
}

func (r *recorderSpy) Record(_ context.Context, evt schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evt.Type)
}

func decodeType(t *testing.T, frame []byte) string {
	t.Helper()
	var probe struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(frame, &probe))
	return probe.Type
}

func receive(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case frame, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestSubscribeStartsWithHelloAndStatus(t *testing.T) {
	h := New(WithStatus(func() schema.Status {
		return schema.Status{State: "STOPPED", Symbol: "BTCUSDT"}
	}))
	sub := h.Subscribe()
	defer sub.Close()

	hello := receive(t, sub)
	require.JSONEq(t, `{"type":"hello","version":"1.0"}`, string(hello))

	status := receive(t, sub)
	require.Equal(t, "status", decodeType(t, status))
	require.Contains(t, string(status), `"state":"STOPPED"`)
	require.Equal(t, 1, h.Subscribers())
}

func TestFullSubscriberEvictedWithoutBlockingOthers(t *testing.T) {
	h := New(WithBufferSize(2))
	slow := h.Subscribe()
	fast := h.Subscribe()
	receive(t, fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.Publish(context.Background(), schema.NewEvent(schema.Diag{Text: "tick"}))
			<-fast.C
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a full subscriber")
	}

	count := 0
	for range slow.C {
		count++
	}
	require.Equal(t, 4, count, "hello plus three diag frames before eviction")
	require.Equal(t, int64(1), h.Evicted())
	require.Equal(t, 1, h.Subscribers())
	require.Equal(t, int64(10), h.Published())
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	receive(t, sub)

	for i := 0; i < 50; i++ {
		h.Publish(context.Background(), schema.NewEvent(schema.Stats{WSClients: i}))
	}
	for i := 0; i < 50; i++ {
		var stats schema.Stats
		require.NoError(t, json.Unmarshal(receive(t, sub), &stats))
		require.Equal(t, i, stats.WSClients)
	}
}

func TestRoutingToRiskAndRecorder(t *testing.T) {
	risk := &riskSpy{}
	rec := &recorderSpy{}
	h := New(WithRisk(risk), WithRecorder(rec))
	ctx := context.Background()

	loss := decimal.RequireFromString("-0.5")
	win := decimal.RequireFromString("1.25")
	h.Publish(ctx, schema.NewEvent(schema.OrderEvent{Evt: schema.OrderStatusNew, Symbol: "BTCUSDT"}))
	h.Publish(ctx, schema.NewEvent(schema.Fill{Symbol: "BTCUSDT", Side: schema.SideSell, PnL: &loss}))
	h.Publish(ctx, schema.NewEvent(schema.Fill{Symbol: "BTCUSDT", Side: schema.SideBuy}))
	h.Publish(ctx, schema.NewEvent(schema.Trade{Symbol: "ETHUSDT", PnL: &win}))
	h.Publish(ctx, schema.NewEvent(schema.Bank{Equity: decimal.NewFromInt(1000)}))
	h.PublishText(ctx, `{"equity": 990.5}`)
	h.Publish(ctx, schema.NewEvent(schema.Diag{Text: "ignored"}))

	require.Equal(t, []schema.EventType{
		schema.EventTypeOrder, schema.EventTypeFill, schema.EventTypeFill, schema.EventTypeTrade,
	}, rec.types)
	require.Equal(t, []string{"BTCUSDT:-0.5", "ETHUSDT:1.25"}, risk.trades)
	require.Equal(t, []bool{true, false}, risk.stops)
	require.Len(t, risk.equity, 2)
	require.True(t, risk.equity[1].Equal(decimal.RequireFromString("990.5")))
}

func TestPublishRawBroadcastsNormalizedFrames(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	receive(t, sub)
	ctx := context.Background()

	h.PublishText(ctx, "plain text line")
	require.JSONEq(t, `{"type":"diag","text":"plain text line"}`, string(receive(t, sub)))

	h.PublishRaw(ctx, []byte(`{"custom":true}`))
	require.JSONEq(t, `{"custom":true}`, string(receive(t, sub)))

	h.PublishRaw(ctx, []byte(`{"e":"bookTicker","s":"BTCUSDT","b":"100","B":"2","a":"101","A":"3"}`))
	frame := receive(t, sub)
	require.Equal(t, "market", decodeType(t, frame))
	var m schema.Market
	require.NoError(t, json.Unmarshal(frame, &m))
	require.True(t, m.Mid.Equal(decimal.RequireFromString("100.5")))
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	receive(t, sub)
	h.Close()
	_, ok := <-sub.C
	require.False(t, ok)
	require.Zero(t, h.Subscribers())

	late := h.Subscribe()
	<-late.C
	_, ok = <-late.C
	require.False(t, ok)
	sub.Close()
	h.Close()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	sub.Close()
	sub.Close()
	require.Zero(t, h.Subscribers())
}
