package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/coachpo/amadeus/internal/domain/schema"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS paper_orders (
    seq      INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT    NOT NULL,
    symbol   TEXT    NOT NULL,
    side     TEXT    NOT NULL,
    evt      TEXT    NOT NULL,
    price    TEXT    NOT NULL,
    quantity TEXT    NOT NULL,
    reason   TEXT    NOT NULL DEFAULT '',
    event_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS paper_trades (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id  TEXT    NOT NULL,
    symbol    TEXT    NOT NULL,
    side      TEXT    NOT NULL,
    price     TEXT    NOT NULL,
    quantity  TEXT    NOT NULL,
    quote_qty TEXT    NOT NULL,
    liquidity TEXT    NOT NULL DEFAULT '',
    pnl       TEXT,
    traded_at INTEGER NOT NULL
);
`

// SQLite stores history in a local file. Decimals are kept as text.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite history: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite history: schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) RecordOrder(ctx context.Context, rec OrderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paper_orders (order_id, symbol, side, evt, price, quantity, reason, event_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, string(rec.Side), string(rec.Event), rec.Price.String(), rec.Qty.String(), rec.Reason, rec.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite history: insert order: %w", err)
	}
	return nil
}

func (s *SQLite) RecordTrade(ctx context.Context, rec TradeRecord) error {
	var pnl sql.NullString
	if rec.PnL != nil {
		pnl = sql.NullString{String: rec.PnL.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paper_trades (trade_id, symbol, side, price, quantity, quote_qty, liquidity, pnl, traded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, string(rec.Side), rec.Price.String(), rec.Qty.String(), rec.Quote.String(), string(rec.Liquidity), pnl, rec.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite history: insert trade: %w", err)
	}
	return nil
}

func (s *SQLite) Orders(ctx context.Context, limit int) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, symbol, side, evt, price, quantity, reason, event_at FROM paper_orders ORDER BY seq DESC LIMIT ?`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite history: list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			rec          OrderRecord
			side, evt    string
			price, qty   string
			eventAtMilli int64
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &evt, &price, &qty, &rec.Reason, &eventAtMilli); err != nil {
			return nil, fmt.Errorf("sqlite history: scan order: %w", err)
		}
		rec.Side = schema.Side(side)
		rec.Event = schema.OrderStatus(evt)
		rec.Price = decimalOrZero(price)
		rec.Qty = decimalOrZero(qty)
		rec.At = time.UnixMilli(eventAtMilli).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, symbol, side, price, quantity, quote_qty, liquidity, pnl, traded_at FROM paper_trades ORDER BY seq DESC LIMIT ?`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite history: list trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanSQLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM paper_orders`).Scan(&st.Orders); err != nil {
		return Stats{}, fmt.Errorf("sqlite history: count orders: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, symbol, side, price, quantity, quote_qty, liquidity, pnl, traded_at FROM paper_trades`)
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite history: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanSQLiteTrade(rows)
		if err != nil {
			return Stats{}, err
		}
		accumulate(&st, rec)
	}
	return st, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanSQLiteTrade(rows *sql.Rows) (TradeRecord, error) {
	var (
		rec               TradeRecord
		side, liq         string
		price, qty, quote string
		pnl               sql.NullString
		tradedAtMilli     int64
	)
	if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &price, &qty, &quote, &liq, &pnl, &tradedAtMilli); err != nil {
		return TradeRecord{}, fmt.Errorf("sqlite history: scan trade: %w", err)
	}
	rec.Side = schema.Side(side)
	rec.Liquidity = schema.Liquidity(liq)
	rec.Price = decimalOrZero(price)
	rec.Qty = decimalOrZero(qty)
	rec.Quote = decimalOrZero(quote)
	if pnl.Valid {
		v := decimalOrZero(pnl.String)
		rec.PnL = &v
	}
	rec.At = time.UnixMilli(tradedAtMilli).UTC()
	return rec, nil
}

func decimalOrZero(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return v
}
