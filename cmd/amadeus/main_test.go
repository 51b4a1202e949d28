package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/engine"
	"github.com/coachpo/amadeus/internal/history"
	"github.com/coachpo/amadeus/internal/hub"
	"github.com/coachpo/amadeus/internal/telemetry"
)

func TestGracefulShutdownIdleProcess(t *testing.T) {
	ctx := context.Background()
	store, err := config.NewStore(config.Default(), nil)
	require.NoError(t, err)
	eventHub := hub.New()
	ctrl, err := engine.NewController(store, eventHub, engine.BinanceFactory(nil))
	require.NoError(t, err)
	writer, err := history.NewWriter(history.NewMemory(), 8, nil)
	require.NoError(t, err)
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {})

	err = performGracefulShutdown(ctx, zap.NewNop(), gracefulShutdownConfig{
		server:    &http.Server{},
		lifecycle: &lifecycle,
		ctrl:      ctrl,
		hub:       eventHub,
		writer:    writer,
		telemetry: provider,
	})
	require.NoError(t, err)
	require.Equal(t, engine.StateStopped, ctrl.State())

	sub := eventHub.Subscribe()
	_, open := <-sub.C
	require.True(t, open, "hello is queued before the closed channel")
	_, open = <-sub.C
	require.False(t, open)
}

func TestInitTelemetryDisabled(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	provider, err := initTelemetry(context.Background(), zap.NewNop(), config.TelemetryConfig{})
	require.NoError(t, err)
	require.NoError(t, provider.Shutdown(context.Background()))
}
