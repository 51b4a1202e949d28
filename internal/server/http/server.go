// Package httpserver exposes the control API and the websocket push channel.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/history"
	"github.com/coachpo/amadeus/internal/hub"
	"github.com/coachpo/amadeus/internal/risk"
	"github.com/coachpo/amadeus/internal/scanner"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	rootPath          = "/"
	configPath        = "/api/config"
	botStartPath      = "/api/bot/start"
	botStopPath       = "/api/bot/stop"
	botStatusPath     = "/api/bot/status"
	riskStatusPath    = "/api/risk/status"
	riskUnlockPath    = "/api/risk/unlock"
	historyOrdersPath = "/api/history/orders"
	historyTradesPath = "/api/history/trades"
	historyStatsPath  = "/api/history/stats"
	scannerScanPath   = "/api/scanner/scan"
	wsPath            = "/ws"
)

// Controller is the trading lifecycle as driven by the API.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() schema.Status
	Config() config.AppConfig
	ApplyConfig(ctx context.Context, cfg config.AppConfig) error
	Scan(ctx context.Context, cfg config.AppConfig) (scanner.Result, error)
}

// RiskView exposes the risk manager state to operators.
type RiskView interface {
	State() risk.State
	Unlock()
}

// Subscriber hands out push channel subscriptions.
type Subscriber interface {
	Subscribe() *hub.Subscription
}

// Options configures the handler.
type Options struct {
	// Token is required as a bearer token or ?token= query parameter. Empty disables auth.
	Token   string
	Origins []string
	Logger  *zap.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	token   string
	origins []string
	logger  *zap.Logger

	ctrl    Controller
	risk    RiskView
	hub     Subscriber
	history history.Sink
}

type configEnvelope struct {
	Config config.AppConfig `json:"cfg"`
}

// NewHandler builds the control API. history may be nil, in which case the
// history endpoints answer 503.
func NewHandler(opts Options, ctrl Controller, riskView RiskView, sub Subscriber, sink history.Sink) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &httpServer{
		token:   opts.Token,
		origins: opts.Origins,
		logger:  logger,
		ctrl:    ctrl,
		risk:    riskView,
		hub:     sub,
		history: sink,
	}
	mux := http.NewServeMux()

	mux.Handle(rootPath, http.HandlerFunc(server.root))

	mux.Handle(configPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getConfig,
		http.MethodPut: server.putConfig,
	})))

	mux.Handle(botStartPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.startBot,
	})))
	mux.Handle(botStopPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.stopBot,
	})))
	mux.Handle(botStatusPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.botStatus,
	})))

	mux.Handle(riskStatusPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.riskStatus,
	})))
	mux.Handle(riskUnlockPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.riskUnlock,
	})))

	mux.Handle(historyOrdersPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.historyOrders,
	})))
	mux.Handle(historyTradesPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.historyTrades,
	})))
	mux.Handle(historyStatsPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.historyStats,
	})))

	mux.Handle(scannerScanPath, server.authorized(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.scan,
	})))

	mux.Handle(wsPath, server.authorized(http.HandlerFunc(server.serveWS)))

	return withCORS(mux, opts.Origins)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// authorized accepts "Authorization: Bearer <token>" or a token query parameter.
// Browsers cannot set headers on websocket upgrades, hence the query form.
func (s *httpServer) authorized(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenMatches(requestToken(r)) {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *httpServer) tokenMatches(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func requestToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if scheme, value, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *httpServer) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != rootPath {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"name": "amadeus",
		"routers": []string{
			configPath, "/api/bot", "/api/scanner", "/api/risk", "/api/history", wsPath,
		},
	})
}

func (s *httpServer) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configEnvelope{Config: s.ctrl.Config()})
}

// putConfig decodes the payload over the current configuration so partial
// documents only touch the sections they name.
func (s *httpServer) putConfig(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	envelope := configEnvelope{Config: s.ctrl.Config()}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&envelope); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.ctrl.ApplyConfig(r.Context(), envelope.Config); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configEnvelope{Config: s.ctrl.Config()})
}

func (s *httpServer) startBot(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *httpServer) stopBot(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *httpServer) botStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *httpServer) riskStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.risk.State())
}

func (s *httpServer) riskUnlock(w http.ResponseWriter, _ *http.Request) {
	s.risk.Unlock()
	s.logger.Info("risk locks cleared by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// scan accepts an optional {"cfg": ...} overlay on the current configuration.
// An empty body scans with the stored configuration.
func (s *httpServer) scan(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	envelope := configEnvelope{Config: s.ctrl.Config()}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&envelope); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}
	result, err := s.ctrl.Scan(r.Context(), envelope.Config)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) historyOrders(w http.ResponseWriter, r *http.Request) {
	if !s.historyAvailable(w) {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	orders, err := s.history.Orders(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []history.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) historyTrades(w http.ResponseWriter, r *http.Request) {
	if !s.historyAvailable(w) {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.history.Trades(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []history.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *httpServer) historyStats(w http.ResponseWriter, r *http.Request) {
	if !s.historyAvailable(w) {
		return
	}
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *httpServer) historyAvailable(w http.ResponseWriter) bool {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *httpServer) writeDomainError(w http.ResponseWriter, err error) {
	status := statusForCode(errs.CodeOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("control api request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeAuth:
		return http.StatusUnauthorized
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable, errs.CodeNetwork, errs.CodeExchange:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(handler)
}
