package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/gateway/shadow"
)

const exchangeInfoBody = `{"symbols":[{"symbol":"BNBUSDT","status":"TRADING","baseAsset":"BNB","quoteAsset":"USDT",
"filters":[{"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000","tickSize":"0.01"},
{"filterType":"LOT_SIZE","minQty":"0.001","maxQty":"9000","stepSize":"0.001"},
{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`

func newClient(t *testing.T, rest, ws string) *Client {
	t.Helper()
	c, err := New(Options{RESTURL: rest, WSURL: ws, Timeout: time.Second, MaxRetries: 2}, shadow.New(shadow.Options{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInstrumentParsesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != exchangeInfoPath || r.URL.Query().Get("symbol") != "BNBUSDT" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(exchangeInfoBody))
	}))
	defer srv.Close()

	inst, err := newClient(t, srv.URL, "ws://unused").Instrument(context.Background(), "bnbusdt")
	require.NoError(t, err)
	require.Equal(t, "BNB", inst.BaseAsset)
	require.Equal(t, "USDT", inst.QuoteAsset)
	require.True(t, inst.TickSize.Equal(decimal.RequireFromString("0.01")))
	require.True(t, inst.StepSize.Equal(decimal.RequireFromString("0.001")))
	require.True(t, inst.MinQty.Equal(decimal.RequireFromString("0.001")))
	require.True(t, inst.MinNotional.Equal(decimal.NewFromInt(5)))
}

func TestInstrumentMissingFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BNBUSDT","baseAsset":"BNB","quoteAsset":"USDT","filters":[]}]}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, "ws://unused").Instrument(context.Background(), "BNBUSDT")
	require.True(t, errs.Is(err, errs.CodeInvalid), "err = %v", err)
}

func TestInstrumentUnknownSymbolNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, "ws://unused").Instrument(context.Background(), "NOPE")
	require.True(t, errs.Is(err, errs.CodeNotFound), "err = %v", err)
	require.Equal(t, int32(1), calls.Load())
}

func TestBookTickerRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != bookTickerPath {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"BNBUSDT","bidPrice":"600.10","bidQty":"1","askPrice":"600.20","askQty":"2"}`))
	}))
	defer srv.Close()

	tick, err := newClient(t, srv.URL, "ws://unused").BookTicker(context.Background(), "BNBUSDT")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.True(t, tick.Valid())
	require.True(t, tick.BestAsk.Equal(decimal.RequireFromString("600.2")))
}

func TestBookTickerGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, "ws://unused").BookTicker(context.Background(), "BNBUSDT")
	require.True(t, errs.Is(err, errs.CodeRateLimited), "err = %v", err)
	require.Equal(t, int32(3), calls.Load())
}

func TestSubscribeStreamsBookTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bnbusdt@bookTicker") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		frame := `{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(frame))
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client := newClient(t, "http://unused", ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, _, err := client.Subscribe(ctx, "BNBUSDT")
	require.NoError(t, err)

	select {
	case tick := <-ticks:
		require.Equal(t, "BNBUSDT", tick.Symbol)
		require.True(t, tick.BestBid.Equal(decimal.RequireFromString("25.3519")))
		require.True(t, tick.BestAsk.Equal(decimal.RequireFromString("25.3652")))
	case <-time.After(3 * time.Second):
		t.Fatal("no tick received")
	}

	order, err := client.CreateOrder(ctx, gateway.OrderRequest{
		Symbol: "BNBUSDT", Side: schema.SideBuy, Type: schema.OrderTypeLimit,
		Price: decimal.RequireFromString("25.40"), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusNew, order.Status)

	require.NoError(t, client.Close())
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ticks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after Close")
		}
	}
}

func TestNewRequiresShadowExecutor(t *testing.T) {
	_, err := New(Options{RESTURL: "http://x", WSURL: "ws://x"}, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestParseBookTickerMissingField(t *testing.T) {
	_, err := parseBookTicker([]byte(`{"s":"BNBUSDT","b":"1"}`), time.Now())
	require.Error(t, err)
}
