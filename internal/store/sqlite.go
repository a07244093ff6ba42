// Package store persists the trading journal: archived orders, fills and
// reconciliation findings.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/ledger"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ledger.Journal = (*SQLiteJournal)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL DEFAULT '',
	pair_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	direction       TEXT NOT NULL,
	state           TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	client_order_id TEXT NOT NULL,
	pair_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	price           TEXT NOT NULL,
	at              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_symbol ON fills(symbol);
CREATE TABLE IF NOT EXISTS discrepancies (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	client_order_id TEXT NOT NULL DEFAULT '',
	local           TEXT NOT NULL,
	broker          TEXT NOT NULL,
	at              TEXT NOT NULL
);
`

// SQLiteJournal implements ledger.Journal backed by a SQLite database
type SQLiteJournal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at dbPath and applies the schema
func Open(ctx context.Context, dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// RecordOrder inserts or replaces the order row
func (s *SQLiteJournal) RecordOrder(ctx context.Context, rec models.OrderRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (client_order_id, broker_order_id, pair_id, symbol, side, qty, direction,
	state, filled_qty, avg_fill_price, reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(client_order_id) DO UPDATE SET
	broker_order_id = excluded.broker_order_id,
	state           = excluded.state,
	filled_qty      = excluded.filled_qty,
	avg_fill_price  = excluded.avg_fill_price,
	reason          = excluded.reason,
	updated_at      = excluded.updated_at`,
		rec.ClientOrderID, rec.BrokerOrderID, rec.PairID, rec.Symbol, string(rec.Side), rec.Qty.String(),
		string(rec.Direction), string(rec.State), rec.FilledQty.String(), rec.AvgFillPrice.String(),
		rec.Reason, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record order %s: %w", rec.ClientOrderID, err)
	}
	return nil
}

// RecordFill appends a fill
func (s *SQLiteJournal) RecordFill(ctx context.Context, f models.Fill) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fills (client_order_id, pair_id, symbol, side, qty, price, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ClientOrderID, f.PairID, f.Symbol, string(f.Side), f.Qty.String(), f.Price.String(), formatTime(f.At))
	if err != nil {
		return fmt.Errorf("record fill for %s: %w", f.ClientOrderID, err)
	}
	return nil
}

// RecordDiscrepancy appends a reconciliation finding
func (s *SQLiteJournal) RecordDiscrepancy(ctx context.Context, d models.Discrepancy) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO discrepancies (kind, symbol, client_order_id, local, broker, at)
VALUES (?, ?, ?, ?, ?, ?)`,
		string(d.Kind), d.Symbol, d.ClientOrderID, d.Local, d.Broker, formatTime(d.At))
	if err != nil {
		return fmt.Errorf("record discrepancy: %w", err)
	}
	return nil
}

// RecentOrders returns up to limit orders, most recently updated first
func (s *SQLiteJournal) RecentOrders(ctx context.Context, limit int) ([]models.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT client_order_id, broker_order_id, pair_id, symbol, side, qty, direction,
	state, filled_qty, avg_fill_price, reason, created_at, updated_at
FROM orders ORDER BY updated_at DESC, client_order_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderRecord
	for rows.Next() {
		var (
			rec                                models.OrderRecord
			side, direction, state             string
			qty, filled, avg, created, updated string
		)
		if err := rows.Scan(&rec.ClientOrderID, &rec.BrokerOrderID, &rec.PairID, &rec.Symbol, &side, &qty,
			&direction, &state, &filled, &avg, &rec.Reason, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		rec.Side = models.OrderSide(side)
		rec.Direction = models.Direction(direction)
		rec.State = models.OrderState(state)
		rec.Type = models.Market
		rec.TimeInForce = models.Day
		if rec.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse qty of %s: %w", rec.ClientOrderID, err)
		}
		if rec.FilledQty, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("parse filled qty of %s: %w", rec.ClientOrderID, err)
		}
		if rec.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("parse fill price of %s: %w", rec.ClientOrderID, err)
		}
		rec.CreatedAt = parseTime(created)
		rec.UpdatedAt = parseTime(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Fills returns fills in insertion order; an empty symbol returns all
func (s *SQLiteJournal) Fills(ctx context.Context, symbol string) ([]models.Fill, error) {
	query := `SELECT client_order_id, pair_id, symbol, side, qty, price, at FROM fills`
	var args []any
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		var f models.Fill
		var side, qty, price, at string
		if err := rows.Scan(&f.ClientOrderID, &f.PairID, &f.Symbol, &side, &qty, &price, &at); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = models.OrderSide(side)
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse fill qty: %w", err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse fill price: %w", err)
		}
		f.At = parseTime(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Discrepancies returns every recorded reconciliation finding, oldest first
func (s *SQLiteJournal) Discrepancies(ctx context.Context) ([]models.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, symbol, client_order_id, local, broker, at FROM discrepancies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []models.Discrepancy
	for rows.Next() {
		var d models.Discrepancy
		var kind, at string
		if err := rows.Scan(&kind, &d.Symbol, &d.ClientOrderID, &d.Local, &d.Broker, &at); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.Kind = models.DiscrepancyKind(kind)
		d.At = parseTime(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Fixed width so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
