package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/history/migrations"
)

// Open builds the sink selected by cfg.Driver.
func Open(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case config.HistoryMemory, "":
		return NewMemory(), nil
	case config.HistorySQLite:
		return OpenSQLite(ctx, cfg.Path)
	case config.HistoryPostgres:
		if cfg.RunMigrations {
			if err := migrations.Apply(ctx, cfg.DSN, "", logger.Named("migrations")); err != nil {
				return nil, err
			}
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres history: pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres history: ping: %w", err)
		}
		ObservePoolMetrics(pool, "history")
		return NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("history: unknown driver %q", cfg.Driver)
	}
}
