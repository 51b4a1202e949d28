// Package risk gates new entries through configurable protections and order limits.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/telemetry"
)

const maxEquityPoints = 20000

// State is the operator view of the manager.
type State struct {
	Guards       []string `json:"guards"`
	Locks        []Lock   `json:"locks"`
	HistoryLen   int      `json:"history_len"`
	EquityPoints int      `json:"equity_points"`
}

// Manager evaluates guards and records the trade and equity history they inspect.
type Manager struct {
	mu        sync.Mutex
	guards    []Guard
	pair      []Guard
	common    []Guard
	retention time.Duration
	history   []TradeEvent
	equity    []EquityPoint

	// Entries before these offsets predate the last Unlock and are hidden from guards.
	historyMark int
	equityMark  int

	clock   func() time.Time
	logger  *zap.Logger
	denials metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the logger used for configuration warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds the guards described by specs. Unknown methods are logged and skipped.
func NewManager(specs []config.GuardSpec, opts ...Option) *Manager {
	m := &Manager{clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	meter := otel.Meter("risk")
	m.denials, _ = meter.Int64Counter("risk.denials",
		metric.WithDescription("Entry checks denied by a protection"),
		metric.WithUnit("{denial}"))
	m.install(specs)
	return m
}

// Reconfigure replaces the guard set. History and equity are kept; locks are dropped.
func (m *Manager) Reconfigure(specs []config.GuardSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.install(specs)
}

func (m *Manager) install(specs []config.GuardSpec) {
	m.guards, m.pair, m.common = nil, nil, nil
	m.retention = defaultLookback
	for _, spec := range specs {
		build, ok := registry[Kind(spec.Method)]
		if !ok {
			m.logger.Warn("unknown protection method ignored", zap.String("method", spec.Method))
			continue
		}
		g := build(spec)
		m.guards = append(m.guards, g)
		if g.Kind().PairScoped() {
			m.pair = append(m.pair, g)
		} else {
			m.common = append(m.common, g)
		}
		if lb := g.Lookback(); lb > m.retention {
			m.retention = lb
		}
	}
}

// CanEnter evaluates pair-scoped guards, then common guards. The first denial wins.
func (m *Manager) CanEnter(pair string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for _, g := range m.pair {
		if res := g.EvaluatePair(now, pair, m.visibleHistory()); !res.Allowed {
			m.recordDenial(g.Kind(), pair)
			return res
		}
	}
	for _, g := range m.common {
		if res := g.Evaluate(now, m.visibleHistory(), m.equity[m.equityMark:]); !res.Allowed {
			m.recordDenial(g.Kind(), pair)
			return res
		}
	}
	return Allow
}

func (m *Manager) recordDenial(kind Kind, pair string) {
	if m.denials == nil {
		return
	}
	m.denials.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.GuardAttributes(telemetry.Environment(), string(kind), pair)...))
}

// OnTradeClosed appends a trade to the history and notifies every guard.
func (m *Manager) OnTradeClosed(pair string, pnl decimal.Decimal, stoplossHit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.history = append(m.history, TradeEvent{At: now, Pair: pair, PnL: pnl, StoplossHit: stoplossHit})
	m.pruneLocked(now)
	for _, g := range m.guards {
		g.TradeClosed(now, m.visibleHistory())
	}
}

func (m *Manager) visibleHistory() []TradeEvent {
	return m.history[m.historyMark:]
}

// OnEquity appends a point to the equity curve.
func (m *Manager) OnEquity(value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.equity = append(m.equity, EquityPoint{At: now, Equity: value})
	m.pruneLocked(now)
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	h := 0
	for h < len(m.history) && m.history[h].At.Before(cutoff) {
		h++
	}
	if h > 0 {
		m.history = append(m.history[:0], m.history[h:]...)
		m.historyMark = max(0, m.historyMark-h)
	}
	e := 0
	for e < len(m.equity) && m.equity[e].At.Before(cutoff) {
		e++
	}
	if over := len(m.equity) - e - maxEquityPoints; over > 0 {
		e += over
	}
	if e > 0 {
		m.equity = append(m.equity[:0], m.equity[e:]...)
		m.equityMark = max(0, m.equityMark-e)
	}
}

// Unlock clears every lock regardless of expiry or ongoing conditions. Guards
// only re-trigger on trades and equity recorded afterwards.
func (m *Manager) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.guards {
		g.Unlock()
	}
	m.historyMark = len(m.history)
	m.equityMark = len(m.equity)
	m.logger.Info("risk locks cleared")
}

// State returns guard names, active locks and history sizes.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	st := State{
		Guards:       make([]string, 0, len(m.guards)),
		Locks:        []Lock{},
		HistoryLen:   len(m.history),
		EquityPoints: len(m.equity),
	}
	for _, g := range m.guards {
		st.Guards = append(st.Guards, string(g.Kind()))
		st.Locks = append(st.Locks, g.Locks(now)...)
	}
	sort.SliceStable(st.Locks, func(i, j int) bool {
		if st.Locks[i].Guard != st.Locks[j].Guard {
			return st.Locks[i].Guard < st.Locks[j].Guard
		}
		return st.Locks[i].Pair < st.Locks[j].Pair
	})
	return st
}
