// Package store implements the SignalStore persistence capability over
// SQLite: orders, positions, trades, risk events, portfolio snapshots,
// user-instance bindings, strategy config and market data candles.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlx connection.
type DB struct {
	*sqlx.DB
}

// NewDB opens (creating if needed) the SQLite database at path and runs
// migrations.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	conn, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	log.Info().Str("path", path).Msg("connected to signal store database")

	db := &DB{conn}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Migrate creates the schema if it does not already exist. Idempotent:
// safe to call on every startup.
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS market_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		open_time_ms INTEGER NOT NULL,
		close_time_ms INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		UNIQUE(symbol, timeframe, open_time_ms)
	);
	CREATE INDEX IF NOT EXISTS idx_market_data_symbol_timeframe ON market_data(symbol, timeframe);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_source ON orders(source);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		collateral TEXT NOT NULL,
		current_price TEXT NOT NULL,
		unrealized_pnl TEXT NOT NULL,
		trade_index INTEGER NOT NULL DEFAULT 0,
		pair_id TEXT NOT NULL DEFAULT '',
		opened_at DATETIME NOT NULL,
		closed_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open ON positions(source, symbol) WHERE closed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_positions_source_symbol ON positions(source, symbol);

	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		source TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		close_price TEXT,
		pnl_percent TEXT,
		pnl_amount TEXT,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_source_symbol ON trades(source, symbol);

	CREATE TABLE IF NOT EXISTS risk_events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		affected_symbols TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS portfolio_history (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		equity TEXT NOT NULL,
		balance TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_portfolio_history_source ON portfolio_history(source);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_instances (
		user_id TEXT NOT NULL,
		instance_type TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, instance_type, instance_id)
	);

	CREATE TABLE IF NOT EXISTS strategy_config (
		strategy_name TEXT PRIMARY KEY,
		config_json TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: schema migration failed: %w", err)
	}
	log.Info().Msg("signal store migrations complete")
	return nil
}
