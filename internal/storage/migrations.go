package storage

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"
)

type migration struct {
	version     int
	description string
	statements  []string
}

// migrations are applied in order; a version is never edited once released.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS positions (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol           TEXT     NOT NULL,
				side             TEXT     NOT NULL DEFAULT 'long' CHECK(side IN ('long', 'short')),
				qty              REAL     NOT NULL CHECK(qty >= 0),
				entry_price      REAL     NOT NULL CHECK(entry_price > 0),
				entry_date       TEXT     NOT NULL CHECK(entry_date GLOB '????-??-??'),
				stop_loss        REAL     CHECK(stop_loss IS NULL OR stop_loss > 0),
				take_profit      REAL     CHECK(take_profit IS NULL OR take_profit > 0),
				sector           TEXT     NOT NULL DEFAULT 'Unknown',
				strategy_reason  TEXT,
				sentiment_score  INTEGER  CHECK(sentiment_score IS NULL OR (sentiment_score >= 0 AND sentiment_score <= 100)),
				provenance       TEXT     NOT NULL DEFAULT 'agent' CHECK(provenance IN ('agent', 'reconciliation', 'manual')),
				status           TEXT     NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'closed')),
				close_price      REAL     CHECK(close_price IS NULL OR close_price > 0),
				close_date       TEXT     CHECK(close_date IS NULL OR close_date GLOB '????-??-??'),
				close_reason     TEXT     CHECK(close_reason IS NULL OR close_reason IN ('tp', 'sl', 'time_stop', 'signal',
				                          'circuit_breaker', 'reconciliation', 'manual', 'drawdown_reduction')),
				client_order_id  TEXT,
				stop_order_id    TEXT,
				protection_state TEXT,
				created_at       DATETIME DEFAULT (datetime('now')),
				updated_at       DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions(symbol, status)`,
			`CREATE INDEX IF NOT EXISTS idx_positions_entry_date ON positions(entry_date)`,
			`CREATE TABLE IF NOT EXISTS trades (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				position_id      INTEGER REFERENCES positions(id),
				execution_id     TEXT     NOT NULL,
				symbol           TEXT     NOT NULL,
				side             TEXT     NOT NULL CHECK(side IN ('buy', 'sell')),
				qty              REAL     NOT NULL CHECK(qty > 0),
				filled_qty       REAL     NOT NULL DEFAULT 0,
				price            REAL     NOT NULL DEFAULT 0,
				order_type       TEXT     NOT NULL CHECK(order_type IN ('market', 'limit', 'stop', 'stop_limit')),
				broker_order_id  TEXT,
				client_order_id  TEXT     NOT NULL UNIQUE,
				state            TEXT     NOT NULL CHECK(state IN ('pending', 'submitted', 'filled',
				                          'partially_filled', 'rejected', 'canceled')),
				error_message    TEXT,
				executed_at      DATETIME,
				created_at       DATETIME DEFAULT (datetime('now')),
				updated_at       DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_position_id ON trades(position_id)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_state ON trades(state)`,
			`CREATE TABLE IF NOT EXISTS daily_snapshots (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				date             TEXT     NOT NULL UNIQUE CHECK(date GLOB '????-??-??'),
				total_equity     REAL     NOT NULL,
				cash             REAL     NOT NULL,
				positions_value  REAL     NOT NULL,
				daily_pnl        REAL,
				daily_pnl_pct    REAL,
				drawdown_pct     REAL,
				high_water_mark  REAL,
				open_positions   INTEGER,
				vix_close        REAL,
				created_at       DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE TABLE IF NOT EXISTS execution_logs (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id      TEXT     NOT NULL UNIQUE,
				mode              TEXT     NOT NULL CHECK(mode IN ('entry-cycle', 'monitoring-cycle',
				                           'close-cycle', 'health-check')),
				attempt_id        TEXT,
				status            TEXT     NOT NULL CHECK(status IN ('running', 'success', 'error', 'skipped')),
				started_at        DATETIME NOT NULL,
				completed_at      DATETIME,
				decisions_json    TEXT,
				error_message     TEXT,
				execution_time_ms INTEGER,
				llm_model         TEXT,
				created_at        DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_execution_logs_status ON execution_logs(status, started_at)`,
			`CREATE TABLE IF NOT EXISTS circuit_breaker (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				level            INTEGER  NOT NULL CHECK(level BETWEEN 1 AND 4),
				triggered_at     DATETIME NOT NULL,
				drawdown_pct     REAL     NOT NULL,
				reason           TEXT     NOT NULL,
				cooldown_until   DATETIME,
				resolved_at      DATETIME,
				resolution_note  TEXT,
				created_at       DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_circuit_breaker_resolved ON circuit_breaker(resolved_at)`,
			`CREATE TABLE IF NOT EXISTS strategy_params (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				param_name  TEXT     NOT NULL,
				old_value   TEXT,
				new_value   TEXT     NOT NULL,
				changed_at  DATETIME NOT NULL,
				reason      TEXT,
				created_at  DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_strategy_params_name ON strategy_params(param_name)`,
			`CREATE TABLE IF NOT EXISTS reconciliation_logs (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id  TEXT     NOT NULL,
				issue_type    TEXT     NOT NULL CHECK(issue_type IN ('CLOSED_MISSING', 'ADDED_MISSING', 'QTY_MISMATCH')),
				symbol        TEXT     NOT NULL,
				details       TEXT,
				auto_fixed    INTEGER  NOT NULL DEFAULT 1,
				created_at    DATETIME DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reconciliation_execution ON reconciliation_logs(execution_id)`,
			`CREATE TABLE IF NOT EXISTS metrics (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp     DATETIME NOT NULL DEFAULT (datetime('now')),
				execution_id  TEXT     NOT NULL,
				metric_name   TEXT     NOT NULL,
				metric_value  REAL     NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics(metric_name, timestamp)`,
		},
	},
	{
		version:     2,
		description: "close reason on trades",
		statements: []string{
			`ALTER TABLE trades ADD COLUMN reason TEXT`,
		},
	},
}

// SchemaVersion returns the highest applied migration, 0 for a fresh file.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.WithContext(ctx).Raw("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v).Error
	return v, err
}

func (s *Store) migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		applied_at  DATETIME DEFAULT (datetime('now')),
		description TEXT
	)`).Error
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, stmt := range m.statements {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return tx.Exec("INSERT INTO schema_version (version, description) VALUES (?, ?)", m.version, m.description).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}
		log.Printf("INFO: Database migrated to schema version %d (%s)", m.version, m.description)
	}
	return nil
}
