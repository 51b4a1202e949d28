// Command amadeus runs the paper market-making loop behind the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/engine"
	"github.com/coachpo/amadeus/internal/history"
	"github.com/coachpo/amadeus/internal/hub"
	"github.com/coachpo/amadeus/internal/observability"
	"github.com/coachpo/amadeus/internal/risk"
	httpserver "github.com/coachpo/amadeus/internal/server/http"
	"github.com/coachpo/amadeus/internal/telemetry"
)

const (
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	engineShutdownTimeout        = 10 * time.Second
	historyShutdownTimeout       = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := flag.String("config", "", "Path to configuration file (default: $APP_CONFIG_FILE or ./config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	env := config.LoadEnv()

	logger, err := observability.NewLogger(env.LogLevel, env.LogFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := env.ConfigFile
	if strings.TrimSpace(*cfgPathFlag) != "" {
		configPath = *cfgPathFlag
	}
	appCfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration initialised",
		zap.String("path", configPath),
		zap.String("symbol", appCfg.Strategy.Symbol),
		zap.Bool("paper", appCfg.API.Paper),
		zap.Bool("shadow", appCfg.Shadow.Enabled))

	store, err := config.NewStore(appCfg, func(cfg config.AppConfig) error {
		return config.Save(configPath, cfg)
	})
	if err != nil {
		return fmt.Errorf("initialise config store: %w", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Telemetry)
	if err != nil {
		return err
	}

	sink, err := history.Open(ctx, appCfg.History, logger.Named("history"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	writer, err := history.NewWriter(sink, appCfg.History.QueueSize, logger.Named("history"))
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("start history writer: %w", err)
	}

	riskManager := risk.NewManager(appCfg.Risk.Protections, risk.WithLogger(logger.Named("risk")))

	var ctrl *engine.Controller
	eventHub := hub.New(
		hub.WithBufferSize(appCfg.Eventbus.BufferSize),
		hub.WithLogger(logger.Named("hub")),
		hub.WithRisk(riskManager),
		hub.WithRecorder(writer),
		hub.WithStatus(func() schema.Status { return ctrl.Status() }),
	)
	ctrl, err = engine.NewController(store, eventHub, engine.BinanceFactory(logger),
		engine.WithLogger(logger.Named("engine")),
		engine.WithRisk(riskManager))
	if err != nil {
		return fmt.Errorf("initialise controller: %w", err)
	}

	var lifecycle conc.WaitGroup
	apiServer := &http.Server{
		Addr: env.Addr(),
		Handler: httpserver.NewHandler(httpserver.Options{
			Token:   env.Token,
			Origins: env.Origins,
			Logger:  logger.Named("api"),
		}, ctrl, riskManager, eventHub, writer.Sink()),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", zap.Error(err))
			cancel()
		}
	})
	logger.Info("control API listening", zap.String("addr", apiServer.Addr))

	if appCfg.API.Autostart {
		logger.Warn("autostart enabled, starting trading")
		if err := ctrl.Start(ctx); err != nil {
			logger.Error("autostart failed", zap.Error(err))
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		lifecycle: &lifecycle,
		ctrl:      ctrl,
		hub:       eventHub,
		writer:    writer,
		telemetry: telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(start)))
	return err
}

func initTelemetry(ctx context.Context, logger *zap.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

type gracefulShutdownConfig struct {
	server    *http.Server
	lifecycle *conc.WaitGroup
	ctrl      *engine.Controller
	hub       *hub.Hub
	writer    *history.Writer
	telemetry *telemetry.Provider
}

// performGracefulShutdown runs every step even when an earlier one fails and
// reports the failures together.
func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step", zap.String("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}

	shutdownStep("stopping control server", controlServerShutdownTimeout, cfg.server.Shutdown)
	shutdownStep("waiting for lifecycle goroutines", controlServerShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	shutdownStep("stopping trading", engineShutdownTimeout, cfg.ctrl.Stop)
	cfg.hub.Close()
	shutdownStep("draining history", historyShutdownTimeout, cfg.writer.Close)
	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)

	return observability.AggregateErrors(logger, "shutdown", failures)
}
