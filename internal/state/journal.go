package state

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"bbtrader/internal/core"
)

// SQLiteJournal appends closed trades to a sqlite database. Writes are
// best-effort: the caller logs and continues on error.
type SQLiteJournal struct {
	db *sql.DB
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS trade_closures (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	slot_key        TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	position_side   TEXT NOT NULL,
	reason          TEXT NOT NULL,
	entry_price     TEXT NOT NULL,
	avg_close_price TEXT NOT NULL,
	closed_quantity TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL,
	commission      TEXT NOT NULL,
	closed_at_utc   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_closures_slot ON trade_closures (slot_key, closed_at_utc);
`

// NewSQLiteJournal opens (or creates) the journal database.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	// WAL keeps the journal readable while the trader writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// RecordClosure appends one closed trade.
func (j *SQLiteJournal) RecordClosure(ctx context.Context, c core.TradeClosure) error {
	const query = `INSERT INTO trade_closures
		(slot_key, symbol, position_side, reason, entry_price, avg_close_price, closed_quantity, realized_pnl, commission, closed_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		c.SlotKey,
		c.Symbol,
		string(c.PositionSide),
		c.Reason,
		c.EntryPrice.String(),
		c.AvgClosePrice.String(),
		c.ClosedQuantity.String(),
		c.RealizedPnL.String(),
		c.Commission.String(),
		c.ClosedAtUTC.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("failed to record trade closure: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

var _ core.ITradeJournal = (*SQLiteJournal)(nil)

// NopJournal discards closures. Used when no journal path is configured.
type NopJournal struct{}

func (NopJournal) RecordClosure(context.Context, core.TradeClosure) error { return nil }
func (NopJournal) Close() error                                           { return nil }
