package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/history"
	"github.com/coachpo/amadeus/internal/hub"
	"github.com/coachpo/amadeus/internal/risk"
	"github.com/coachpo/amadeus/internal/scanner"
)

const testToken = "s3cret"

type fakeController struct {
	mu       sync.Mutex
	cfg      config.AppConfig
	running  bool
	starts   int
	stops    int
	startErr error
}

func newFakeController() *fakeController {
	cfg := config.Default()
	cfg.Strategy.Symbol = "BNBUSDT"
	return &fakeController{cfg: cfg}
}

func (c *fakeController) calls() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

func (c *fakeController) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeController) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

func (c *fakeController) Status() schema.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "STOPPED"
	if c.running {
		state = "RUNNING"
	}
	return schema.Status{Running: c.running, State: state, Symbol: c.cfg.Strategy.Symbol}
}

func (c *fakeController) Config() config.AppConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

func (c *fakeController) ApplyConfig(_ context.Context, cfg config.AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return errs.New("engine/config", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

func (c *fakeController) Scan(_ context.Context, cfg config.AppConfig) (scanner.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return scanner.Result{}, errs.New("engine/scan", errs.CodeInvalid, errs.WithMessage("start the bot first"))
	}
	best := scanner.Candidate{Symbol: cfg.Scanner.Symbols[0], SpreadBps: 12, Tradable: true}
	return scanner.Result{Best: &best, Top: []scanner.Candidate{best}, Skipped: []scanner.Skip{}}, nil
}

type fakeRisk struct {
	mu      sync.Mutex
	unlocks int
}

func (r *fakeRisk) State() risk.State {
	return risk.State{Guards: []string{"StoplossGuard"}, Locks: []risk.Lock{}}
}

func (r *fakeRisk) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlocks
}

func (r *fakeRisk) Unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocks++
}

type fixture struct {
	ctrl *fakeController
	risk *fakeRisk
	hub  *hub.Hub
	sink *history.Memory
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctrl: newFakeController(),
		risk: &fakeRisk{},
		hub:  hub.New(hub.WithBufferSize(16)),
		sink: history.NewMemory(),
	}
	handler := NewHandler(Options{Token: testToken, Origins: []string{"*"}}, f.ctrl, f.risk, f.hub, f.sink)
	f.srv = httptest.NewServer(handler)
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestRootIsPublic(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, "/", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["ok"])

	resp, _ = f.do(t, http.MethodGet, "/nope", "", false)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, botStatusPath, "", false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "error", payload["status"])

	resp, _ = f.do(t, http.MethodGet, botStatusPath+"?token="+testToken, "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, botStatusPath+"?token=wrong", "", false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBotLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, payload := f.do(t, http.MethodPost, botStartPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["running"])
	require.Equal(t, "RUNNING", payload["state"])

	resp, payload = f.do(t, http.MethodGet, botStatusPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "BNBUSDT", payload["symbol"])

	resp, payload = f.do(t, http.MethodPost, botStopPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, payload["running"])

	resp, _ = f.do(t, http.MethodGet, botStartPath, "", true)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	starts, stops := f.ctrl.calls()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
}

func TestScannerEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, payload := f.do(t, http.MethodPost, scannerScanPath, "", true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "scanning needs a running gateway")
	require.Equal(t, "error", payload["status"])

	resp, _ = f.do(t, http.MethodPost, botStartPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload = f.do(t, http.MethodPost, scannerScanPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	best, ok := payload["best"].(map[string]any)
	require.True(t, ok, "payload = %v", payload)
	require.Equal(t, "BNBUSDT", best["symbol"])
	require.Len(t, payload["top"], 1)

	resp, payload = f.do(t, http.MethodPost, scannerScanPath, `{"cfg":{"scanner":{"symbols":["ETHUSDT"]}}}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ETHUSDT", payload["best"].(map[string]any)["symbol"])
	require.Equal(t, "BNBUSDT", f.ctrl.Config().Scanner.Symbols[0], "scan overrides are not persisted")

	resp, _ = f.do(t, http.MethodPost, scannerScanPath, `{"cfg":{"scanner":{"bogus":1}}}`, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, scannerScanPath, "", true)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStartErrorMapsToStatus(t *testing.T) {
	f := newFixture(t)
	f.ctrl.mu.Lock()
	f.ctrl.startErr = errs.New("binance/exchange_info", errs.CodeNotFound, errs.WithMessage("symbol not listed"))
	f.ctrl.mu.Unlock()

	resp, payload := f.do(t, http.MethodPost, botStartPath, "", true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, payload["error"], "symbol not listed")
}

func TestConfigRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, payload := f.do(t, http.MethodGet, configPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg, ok := payload["cfg"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, cfg, "strategy")

	body := `{"cfg":{"strategy":{"symbol":"ETHUSDT","quote_size":"0.5"},"risk":{"protections":[{"method":"CooldownPeriod","stop_duration":"1m"}]}}}`
	resp, payload = f.do(t, http.MethodPut, configPath, body, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, payload)

	got := f.ctrl.Config()
	require.Equal(t, "ETHUSDT", got.Strategy.Symbol)
	require.True(t, got.Strategy.QuoteSize.Equal(decimal.RequireFromString("0.5")))
	require.Len(t, got.Risk.Protections, 1)
	require.Equal(t, time.Minute, got.Risk.Protections[0].StopDuration.Std())
	require.True(t, got.Shadow.Enabled, "sections absent from the payload are kept")
}

func TestConfigRejectsUnknownAndInvalid(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, configPath, `{"cfg":{"strategy":{"bogus":1}}}`, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, configPath, `{"cfg":{"risk":{"protections":[{"method":"StoplossGuard","colour":"red"}]}}}`, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, configPath, `{"cfg":{"strategy":{"quote_size":"0"}}}`, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "BNBUSDT", f.ctrl.Config().Strategy.Symbol)
}

func TestRiskEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, payload := f.do(t, http.MethodGet, riskStatusPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{"StoplossGuard"}, payload["guards"])

	resp, payload = f.do(t, http.MethodPost, riskUnlockPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["ok"])
	require.Equal(t, 1, f.risk.count())
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pnl := decimal.NewFromInt(5)
	now := time.Now().UTC()
	for i, evt := range []schema.OrderStatus{schema.OrderStatusNew, schema.OrderStatusFilled} {
		require.NoError(t, f.sink.RecordOrder(ctx, history.OrderRecord{
			ID: "o1", Symbol: "BNBUSDT", Side: schema.SideBuy, Event: evt,
			Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1), At: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, f.sink.RecordTrade(ctx, history.TradeRecord{
		ID: "o1", Symbol: "BNBUSDT", Side: schema.SideSell, Price: decimal.NewFromInt(105),
		Qty: decimal.NewFromInt(1), Quote: decimal.NewFromInt(105), PnL: &pnl, At: now,
	}))

	resp, payload := f.do(t, http.MethodGet, historyOrdersPath+"?limit=1", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	orders, ok := payload["orders"].([]any)
	require.True(t, ok)
	require.Len(t, orders, 1)

	resp, payload = f.do(t, http.MethodGet, historyTradesPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload["trades"], 1)

	resp, payload = f.do(t, http.MethodGet, historyStatsPath, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, payload["trades"])
	require.EqualValues(t, 1, payload["wins"])

	resp, _ = f.do(t, http.MethodGet, historyOrdersPath+"?limit=x", "", true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryUnavailableWithoutSink(t *testing.T) {
	handler := NewHandler(Options{}, newFakeController(), &fakeRisk{}, hub.New(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, historyStatsPath, nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	handler := NewHandler(Options{Token: testToken, Origins: []string{"http://localhost:4400"}}, newFakeController(), &fakeRisk{}, hub.New(), nil)
	req := httptest.NewRequest(http.MethodOptions, configPath, nil)
	req.Header.Set("Origin", "http://localhost:4400")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "http://localhost:4400", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Less(t, rec.Code, 300)
}

func TestWebsocketStreamsHubEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + wsPath + "?token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	readType := func() string {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame.Type
	}
	require.Equal(t, "hello", readType())

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Publish(ctx, schema.NewEvent(schema.Diag{Text: "hi"}))
	require.Equal(t, "diag", readType())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebsocketRequiresToken(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + wsPath
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOriginPatterns(t *testing.T) {
	require.Equal(t, []string{"*"}, originPatterns(nil))
	require.Equal(t, []string{"localhost:4400", "example.com"},
		originPatterns([]string{"http://localhost:4400", " https://example.com/ "}))
}
