// Package engine owns the trading lifecycle: it builds the gateway and paper
// engine on start, supervises the feed, trading and stats tasks, and tears them
// down on stop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/paper"
	"github.com/coachpo/amadeus/internal/risk"
	"github.com/coachpo/amadeus/internal/scanner"
)

// State is the lifecycle state of the controller.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Broadcaster is the event hub as seen by the controller.
type Broadcaster interface {
	Publish(ctx context.Context, evt schema.Event)
	Subscribers() int
	Published() int64
}

// GatewayFactory builds a gateway for one run.
type GatewayFactory func(ctx context.Context, cfg config.AppConfig) (gateway.Gateway, error)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRisk installs an existing risk manager instead of building one from config.
func WithRisk(m *risk.Manager) Option {
	return func(c *Controller) { c.risk = m }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRetryDelay sets the pause after a failed trading step.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// Controller is the process-wide trading state. It is safe for concurrent use.
type Controller struct {
	store      *config.Store
	hub        Broadcaster
	risk       *risk.Manager
	factory    GatewayFactory
	logger     *zap.Logger
	clock      func() time.Time
	retryDelay time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	tasks  *conc.WaitGroup
	gw     *gateway.Meter
	engine *paper.Engine
	symbol string

	wsMessages atomic.Int64
	wsRate     atomic.Uint64
}

// NewController wires the controller. The risk manager is built from the
// current config unless WithRisk supplies one.
func NewController(store *config.Store, hub Broadcaster, factory GatewayFactory, opts ...Option) (*Controller, error) {
	if store == nil || hub == nil || factory == nil {
		return nil, errs.New("engine/new", errs.CodeInvalid, errs.WithMessage("config store, hub and gateway factory required"))
	}
	c := &Controller{
		store:      store,
		hub:        hub,
		factory:    factory,
		logger:     zap.NewNop(),
		clock:      time.Now,
		retryDelay: defaultRetryDelay,
		state:      StateStopped,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.risk == nil {
		c.risk = risk.NewManager(store.Snapshot().Risk.Protections,
			risk.WithClock(c.clock), risk.WithLogger(c.logger.Named("risk")))
	}
	return c, nil
}

// Risk returns the risk manager shared with the hub.
func (c *Controller) Risk() *risk.Manager { return c.risk }

// Config returns the current configuration.
func (c *Controller) Config() config.AppConfig { return c.store.Snapshot() }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start builds the gateway and engine and launches the supervised tasks. It is
// a no-op while starting or running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStarting || c.state == StateRunning {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateStopping {
		c.mu.Unlock()
		return errs.New("engine/start", errs.CodeConflict, errs.WithMessage("stop in progress"))
	}
	c.state = StateStarting
	c.mu.Unlock()
	c.publishStatus(ctx)

	cfg := c.store.Snapshot()
	gw, eng, err := c.build(ctx, cfg)
	if err != nil {
		c.logger.Error("start failed", zap.String("symbol", cfg.Strategy.Symbol), zap.Error(err))
		c.setState(StateStopped)
		c.publish(ctx, schema.Diag{Text: fmt.Sprintf("START failed: %v", err)})
		c.publishStatus(ctx)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tasks := new(conc.WaitGroup)

	c.mu.Lock()
	c.state = StateRunning
	c.cancel = cancel
	c.tasks = tasks
	c.gw = gw
	c.engine = eng
	c.symbol = cfg.Strategy.Symbol
	c.mu.Unlock()
	c.wsMessages.Store(0)
	c.wsRate.Store(0)

	ticks := make(chan gateway.Tick, 1)
	if cfg.Strategy.MarketFeed {
		tasks.Go(func() { c.runFeed(runCtx, gw, cfg.Strategy.Symbol, ticks) })
	}
	tasks.Go(func() { c.runLoop(runCtx, eng, gw, cfg, ticks) })
	tasks.Go(func() { c.runStats(runCtx, gw, cfg.Strategy.StatsInterval.Std()) })

	c.logger.Info("trading started",
		zap.String("symbol", cfg.Strategy.Symbol),
		zap.Bool("paper", cfg.API.Paper),
		zap.Bool("market_feed", cfg.Strategy.MarketFeed))
	c.publishStatus(ctx)
	return nil
}

func (c *Controller) build(ctx context.Context, cfg config.AppConfig) (*gateway.Meter, *paper.Engine, error) {
	raw, err := c.factory(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	gw := gateway.NewMeter(raw)
	inst, err := gw.Instrument(ctx, cfg.Strategy.Symbol)
	if err != nil {
		_ = gw.Close()
		return nil, nil, err
	}
	limiter := risk.NewOrderLimiter(risk.LimitsFromConfig(cfg.Risk))
	eng, err := paper.NewEngine(paper.ConfigFromApp(cfg), inst, gw, c.hub,
		paper.WithGate(c.risk),
		paper.WithLimiter(limiter),
		paper.WithClock(c.clock),
		paper.WithLogger(c.logger.Named("paper")))
	if err != nil {
		_ = gw.Close()
		return nil, nil, err
	}
	return gw, eng, nil
}

// Stop cancels the tasks, waits for them within ctx and closes the gateway. It
// is a no-op unless running. When ctx expires first the controller stays
// STOPPING until the tasks exit, so a new Start cannot overlap them.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	cancel, tasks, gw, symbol := c.cancel, c.tasks, c.gw, c.symbol
	c.mu.Unlock()
	c.publishStatus(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tasks.Wait()
	}()
	select {
	case <-done:
		return c.finishStop(ctx, gw, symbol)
	case <-ctx.Done():
		c.logger.Warn("stop timed out waiting for tasks, draining in background")
		drainCtx := context.WithoutCancel(ctx)
		go func() {
			<-done
			if err := c.finishStop(drainCtx, gw, symbol); err != nil {
				c.logger.Warn("close gateway after drain", zap.Error(err))
			}
		}()
		return fmt.Errorf("await tasks: %w", ctx.Err())
	}
}

func (c *Controller) finishStop(ctx context.Context, gw *gateway.Meter, symbol string) error {
	closeErr := gw.Close()

	c.mu.Lock()
	c.state = StateStopped
	c.cancel = nil
	c.tasks = nil
	c.gw = nil
	c.mu.Unlock()

	c.logger.Info("trading stopped", zap.String("symbol", symbol))
	c.publishStatus(ctx)
	return closeErr
}

// ApplyConfig validates and persists cfg and reconfigures the risk guards. The
// trading loop picks the rest up on its next start.
func (c *Controller) ApplyConfig(ctx context.Context, cfg config.AppConfig) error {
	if err := c.store.Replace(cfg); err != nil {
		return errs.New("engine/config", errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	c.risk.Reconfigure(c.store.Snapshot().Risk.Protections)
	c.logger.Info("configuration updated")
	c.publishStatus(ctx)
	return nil
}

// Scan ranks the scanner symbols through the running gateway. cfg applies to
// this call only and is not persisted.
func (c *Controller) Scan(ctx context.Context, cfg config.AppConfig) (scanner.Result, error) {
	c.mu.Lock()
	gw, state := c.gw, c.state
	c.mu.Unlock()
	if gw == nil || state != StateRunning {
		return scanner.Result{}, errs.New("engine/scan", errs.CodeInvalid,
			errs.WithMessage("gateway not initialised, start the bot first"))
	}
	if err := cfg.Validate(); err != nil {
		return scanner.Result{}, errs.New("engine/scan", errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	return scanner.Scan(ctx, gw, cfg, c.logger.Named("scanner"))
}

// Status reports the lifecycle state with counters from the current or last run.
func (c *Controller) Status() schema.Status {
	c.mu.Lock()
	state, eng := c.state, c.engine
	symbol := c.symbol
	c.mu.Unlock()

	cfg := c.store.Snapshot()
	if symbol == "" {
		symbol = cfg.Strategy.Symbol
	}
	st := schema.Status{
		Running: state == StateRunning,
		State:   string(state),
		Symbol:  symbol,
		Metrics: schema.Metrics{WSRate: c.currentWSRate()},
		Config:  cfg,
	}
	if eng != nil {
		snap := eng.Snapshot()
		st.Metrics.Trades = snap.Trades
		st.Metrics.Orders = snap.Orders
		bank := snap.Bank
		st.Metrics.Bank = &bank
	}
	return st
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) publish(ctx context.Context, p schema.Payload) {
	c.hub.Publish(ctx, schema.NewEvent(p))
}

func (c *Controller) publishStatus(ctx context.Context) {
	c.publish(ctx, c.Status())
}
