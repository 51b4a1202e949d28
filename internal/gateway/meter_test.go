package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
)

type stubGateway struct {
	gateway.Gateway
	tickErr error
}

func (s stubGateway) BookTicker(_ context.Context, symbol string) (gateway.Tick, error) {
	return gateway.Tick{Symbol: symbol}, s.tickErr
}

func (s stubGateway) Instrument(_ context.Context, symbol string) (schema.Instrument, error) {
	return schema.Instrument{Symbol: symbol}, nil
}

func TestMeterCountsCallsPerOperation(t *testing.T) {
	m := gateway.NewMeter(stubGateway{tickErr: errors.New("timeout")})
	ctx := context.Background()

	_, err := m.BookTicker(ctx, "BNBUSDT")
	require.Error(t, err, "errors pass through")
	_, _ = m.BookTicker(ctx, "BNBUSDT")
	inst, err := m.Instrument(ctx, "BNBUSDT")
	require.NoError(t, err)
	require.Equal(t, "BNBUSDT", inst.Symbol)

	counts := m.Counts()
	require.Equal(t, int64(2), counts[gateway.OpBookTicker])
	require.Equal(t, int64(1), counts[gateway.OpInstrument])
	require.Zero(t, counts[gateway.OpCreateOrder])
	require.Len(t, counts, 5)
}
