package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/telemetry"
)

const (
	orderInsertSQL = `
INSERT INTO paper_orders (order_id, symbol, side, evt, price, quantity, reason, event_at)
VALUES (@order_id, @symbol, @side, @evt, @price::numeric, @quantity::numeric, @reason, @event_at);
`

	tradeInsertSQL = `
INSERT INTO paper_trades (trade_id, symbol, side, price, quantity, quote_qty, liquidity, pnl, traded_at)
VALUES (@trade_id, @symbol, @side, @price::numeric, @quantity::numeric, @quote_qty::numeric, @liquidity, @pnl::numeric, @traded_at);
`

	orderSelectSQL = `
SELECT order_id, symbol, side, evt, price::text, quantity::text, reason, event_at
FROM paper_orders
ORDER BY seq DESC
LIMIT $1;
`

	tradeSelectSQL = `
SELECT trade_id, symbol, side, price::text, quantity::text, quote_qty::text, liquidity, pnl::text, traded_at
FROM paper_trades
ORDER BY seq DESC
LIMIT $1;
`

	statsSQL = `
SELECT
    (SELECT COUNT(*) FROM paper_orders),
    COUNT(*),
    COUNT(*) FILTER (WHERE pnl > 0),
    COUNT(*) FILTER (WHERE pnl < 0),
    COALESCE(SUM(pnl), 0)::text,
    COALESCE(SUM(quote_qty), 0)::text
FROM paper_trades;
`
)

// Postgres stores history in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The schema is managed by migrations.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) ensurePool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, fmt.Errorf("postgres history: nil pool")
	}
	return p.pool, nil
}

func (p *Postgres) RecordOrder(ctx context.Context, rec OrderRecord) error {
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"order_id": rec.ID,
		"symbol":   rec.Symbol,
		"side":     string(rec.Side),
		"evt":      string(rec.Event),
		"price":    rec.Price.String(),
		"quantity": rec.Qty.String(),
		"reason":   rec.Reason,
		"event_at": rec.At,
	}
	if _, err := pool.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("postgres history: insert order: %w", err)
	}
	return nil
}

func (p *Postgres) RecordTrade(ctx context.Context, rec TradeRecord) error {
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	var pnl *string
	if rec.PnL != nil {
		v := rec.PnL.String()
		pnl = &v
	}
	args := pgx.NamedArgs{
		"trade_id":  rec.ID,
		"symbol":    rec.Symbol,
		"side":      string(rec.Side),
		"price":     rec.Price.String(),
		"quantity":  rec.Qty.String(),
		"quote_qty": rec.Quote.String(),
		"liquidity": string(rec.Liquidity),
		"pnl":       pnl,
		"traded_at": rec.At,
	}
	if _, err := pool.Exec(ctx, tradeInsertSQL, args); err != nil {
		return fmt.Errorf("postgres history: insert trade: %w", err)
	}
	return nil
}

func (p *Postgres) Orders(ctx context.Context, limit int) ([]OrderRecord, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderSelectSQL, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres history: list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			rec        OrderRecord
			side, evt  string
			price, qty string
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &evt, &price, &qty, &rec.Reason, &rec.At); err != nil {
			return nil, fmt.Errorf("postgres history: scan order: %w", err)
		}
		rec.Side = schema.Side(side)
		rec.Event = schema.OrderStatus(evt)
		rec.Price = decimalOrZero(price)
		rec.Qty = decimalOrZero(qty)
		rec.At = rec.At.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, tradeSelectSQL, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres history: list trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			rec               TradeRecord
			side, liq         string
			price, qty, quote string
			pnl               *string
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &price, &qty, &quote, &liq, &pnl, &rec.At); err != nil {
			return nil, fmt.Errorf("postgres history: scan trade: %w", err)
		}
		rec.Side = schema.Side(side)
		rec.Liquidity = schema.Liquidity(liq)
		rec.Price = decimalOrZero(price)
		rec.Qty = decimalOrZero(qty)
		rec.Quote = decimalOrZero(quote)
		if pnl != nil {
			v := decimalOrZero(*pnl)
			rec.PnL = &v
		}
		rec.At = rec.At.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return Stats{}, err
	}
	var (
		st               Stats
		realized, volume string
	)
	if err := pool.QueryRow(ctx, statsSQL).Scan(&st.Orders, &st.Trades, &st.Wins, &st.Losses, &realized, &volume); err != nil {
		return Stats{}, fmt.Errorf("postgres history: stats: %w", err)
	}
	st.Realized = decimalOrZero(realized)
	st.Volume = decimalOrZero(volume)
	return st, nil
}

func (p *Postgres) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "history"
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	}

	meter := otel.Meter("history.pool")
	gauges := []struct {
		name, desc string
		read       func(*pgxpool.Stat) int64
	}{
		{"history.db.pool.connections.total", "Total connections (idle + acquired + constructing)", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
		{"history.db.pool.connections.idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
		{"history.db.pool.connections.acquired", "Connections currently acquired by callers", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), metric.WithAttributes(attrs...))
				return nil
			}),
		); err != nil {
			return
		}
	}
}
