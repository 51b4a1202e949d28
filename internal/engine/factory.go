package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/gateway/binance"
	"github.com/coachpo/amadeus/internal/gateway/shadow"
)

// BinanceFactory builds Binance market data gateways with shadow order
// execution. Live order routing is refused.
func BinanceFactory(logger *zap.Logger) GatewayFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, cfg config.AppConfig) (gateway.Gateway, error) {
		if !cfg.Shadow.Enabled {
			return nil, errs.New("engine/gateway", errs.CodeInvalid,
				errs.WithMessage("live order routing is not supported"),
				errs.WithRemediation("set shadow.enabled to true"))
		}
		exec := shadow.New(shadow.Options{
			Latency:        cfg.Shadow.Latency.Std(),
			PostOnlyReject: cfg.Shadow.PostOnlyReject,
			Logger:         logger.Named("shadow"),
		})
		opts := binance.OptionsFromConfig(cfg.Binance, cfg.API.Paper)
		opts.Logger = logger.Named("binance")
		client, err := binance.New(opts, exec)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
