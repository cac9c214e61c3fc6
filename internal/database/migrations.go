package database

import (
	"database/sql"
	"fmt"
)

// migration is one ordered schema change. Migrations are applied in version
// order inside a transaction and recorded in schema_migrations.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered schema history. Never edit an applied migration;
// append a new one instead.
var migrations = []migration{
	{
		Version:     1,
		Description: "core entities: accounts, theses, principles",
		SQL: `
CREATE TABLE IF NOT EXISTS accounts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL DEFAULT 'default',
    name          TEXT NOT NULL,
    broker        TEXT NOT NULL,
    account_type  TEXT NOT NULL DEFAULT 'taxable',
    account_hash  TEXT NOT NULL DEFAULT '',
    active        INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);

CREATE TABLE IF NOT EXISTS theses (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id             TEXT NOT NULL DEFAULT 'default',
    title               TEXT NOT NULL,
    narrative           TEXT NOT NULL DEFAULT '',
    strategy            TEXT NOT NULL DEFAULT 'long',
    status              TEXT NOT NULL DEFAULT 'ACTIVE',
    symbols             TEXT NOT NULL DEFAULT '[]',
    universe_keywords   TEXT NOT NULL DEFAULT '[]',
    validation_criteria TEXT NOT NULL DEFAULT '[]',
    failure_criteria    TEXT NOT NULL DEFAULT '[]',
    horizon             TEXT NOT NULL DEFAULT '',
    conviction          REAL NOT NULL DEFAULT 0.5,
    created_at          TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now')),
    updated_at          TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);

CREATE TABLE IF NOT EXISTS thesis_versions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    thesis_id  INTEGER NOT NULL REFERENCES theses(id),
    old_status TEXT NOT NULL,
    new_status TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    evidence   TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);
CREATE INDEX IF NOT EXISTS idx_thesis_versions_thesis ON thesis_versions(thesis_id);

CREATE TABLE IF NOT EXISTS principles (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id           TEXT NOT NULL DEFAULT 'default',
    text              TEXT NOT NULL,
    category          TEXT NOT NULL DEFAULT 'other',
    origin            TEXT NOT NULL DEFAULT '',
    validated_count   INTEGER NOT NULL DEFAULT 0,
    invalidated_count INTEGER NOT NULL DEFAULT 0,
    weight            REAL NOT NULL DEFAULT 0.05,
    active            INTEGER NOT NULL DEFAULT 1,
    created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);
`,
	},
	{
		Version:     2,
		Description: "portfolio: positions, lots, trades, orders",
		SQL: `
CREATE TABLE IF NOT EXISTS positions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    TEXT NOT NULL DEFAULT 'default',
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    symbol     TEXT NOT NULL,
    shares     REAL NOT NULL DEFAULT 0,
    avg_cost   REAL NOT NULL DEFAULT 0,
    side       TEXT NOT NULL DEFAULT 'long',
    strategy   TEXT NOT NULL DEFAULT '',
    thesis_id  INTEGER REFERENCES theses(id),
    sector     TEXT NOT NULL DEFAULT '',
    opened_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now')),
    UNIQUE(account_id, symbol, side)
);

CREATE TABLE IF NOT EXISTS lots (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        TEXT NOT NULL DEFAULT 'default',
    position_id    INTEGER NOT NULL REFERENCES positions(id),
    account_id     INTEGER NOT NULL REFERENCES accounts(id),
    symbol         TEXT NOT NULL,
    shares         REAL NOT NULL CHECK (shares >= 0),
    cost_basis     REAL NOT NULL,
    acquired_date  TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT 'trade',
    holding_period TEXT NOT NULL DEFAULT 'short',
    closed_date    TEXT
);
CREATE INDEX IF NOT EXISTS idx_lots_fifo ON lots(account_id, symbol, acquired_date, id);

CREATE TABLE IF NOT EXISTS trades (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      TEXT NOT NULL DEFAULT 'default',
    signal_id    INTEGER,
    symbol       TEXT NOT NULL,
    action       TEXT NOT NULL,
    shares       REAL NOT NULL,
    price        REAL NOT NULL,
    total_value  REAL NOT NULL,
    fees         REAL NOT NULL DEFAULT 0,
    broker       TEXT NOT NULL DEFAULT 'mock',
    realized_pnl REAL,
    executed_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);

CREATE TABLE IF NOT EXISTS orders (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL DEFAULT 'default',
    signal_id     INTEGER,
    symbol        TEXT NOT NULL,
    action        TEXT NOT NULL,
    order_type    TEXT NOT NULL DEFAULT 'MARKET',
    shares        REAL NOT NULL,
    limit_price   REAL,
    status        TEXT NOT NULL DEFAULT 'PENDING',
    filled_price  REAL,
    filled_shares REAL NOT NULL DEFAULT 0,
    message       TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now')),
    cancelled_at  TEXT
);
`,
	},
	{
		Version:     3,
		Description: "signals, source stats, whatifs",
		SQL: `
CREATE TABLE IF NOT EXISTS signals (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      TEXT NOT NULL DEFAULT 'default',
    action       TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    thesis_id    INTEGER REFERENCES theses(id),
    confidence   REAL NOT NULL DEFAULT 0,
    source       TEXT NOT NULL DEFAULT 'MANUAL',
    horizon      TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'PENDING',
    size_pct     REAL,
    funding_plan TEXT NOT NULL DEFAULT '',
    reasoning    TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now')),
    decided_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);

CREATE TABLE IF NOT EXISTS signal_source_stats (
    source    TEXT PRIMARY KEY,
    wins      INTEGER NOT NULL DEFAULT 0,
    total     INTEGER NOT NULL DEFAULT 0,
    total_pnl REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS whatifs (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id            INTEGER NOT NULL REFERENCES signals(id),
    decision             TEXT NOT NULL,
    price_at_pass        REAL NOT NULL,
    current_price        REAL NOT NULL DEFAULT 0,
    hypothetical_pnl     REAL NOT NULL DEFAULT 0,
    hypothetical_pnl_pct REAL NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);
CREATE INDEX IF NOT EXISTS idx_whatifs_signal ON whatifs(signal_id);
`,
	},
	{
		Version:     4,
		Description: "portfolio values, exposure snapshots, risk tables",
		SQL: `
CREATE TABLE IF NOT EXISTS portfolio_values (
    date         TEXT PRIMARY KEY,
    total_value  REAL NOT NULL,
    long_value   REAL NOT NULL DEFAULT 0,
    short_value  REAL NOT NULL DEFAULT 0,
    cash         REAL NOT NULL DEFAULT 0,
    cost_basis   REAL NOT NULL DEFAULT 0,
    daily_return REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS exposure_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    date        TEXT NOT NULL,
    gross       REAL NOT NULL,
    net         REAL NOT NULL,
    long_value  REAL NOT NULL,
    short_value REAL NOT NULL,
    by_sector   BLOB,
    by_symbol   BLOB,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);

CREATE TABLE IF NOT EXISTS risk_limits (
    limit_type TEXT PRIMARY KEY,
    value      REAL NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);

CREATE TABLE IF NOT EXISTS kill_switch (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    active     INTEGER NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);

CREATE TABLE IF NOT EXISTS drawdown_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    peak_date    TEXT NOT NULL,
    peak_value   REAL NOT NULL,
    trough_date  TEXT NOT NULL,
    trough_value REAL NOT NULL,
    drawdown     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS trading_windows (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol    TEXT NOT NULL,
    opens_at  TEXT NOT NULL,
    closes_at TEXT NOT NULL,
    reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trading_windows_symbol ON trading_windows(symbol);

CREATE TABLE IF NOT EXISTS earnings_events (
    symbol        TEXT NOT NULL,
    earnings_date TEXT NOT NULL,
    PRIMARY KEY (symbol, earnings_date)
);
`,
	},
	{
		Version:     5,
		Description: "scheduler state, audit log, price history, thesis outcomes",
		SQL: `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
    name      TEXT PRIMARY KEY,
    schedule  TEXT NOT NULL,
    status    TEXT NOT NULL DEFAULT 'active',
    last_run  TEXT,
    next_run  TEXT,
    error_log TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    actor       TEXT NOT NULL,
    action      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL DEFAULT '',
    entity_id   TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
);

CREATE TABLE IF NOT EXISTS price_history (
    symbol    TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    interval  TEXT NOT NULL,
    open      REAL NOT NULL,
    high      REAL NOT NULL,
    low       REAL NOT NULL,
    close     REAL NOT NULL,
    volume    REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, timestamp, interval)
);

CREATE TABLE IF NOT EXISTS thesis_outcomes (
    thesis_id         INTEGER NOT NULL REFERENCES theses(id),
    date              TEXT NOT NULL,
    avg_return        REAL NOT NULL DEFAULT 0,
    best_symbol       TEXT NOT NULL DEFAULT '',
    best_return       REAL NOT NULL DEFAULT 0,
    worst_symbol      TEXT NOT NULL DEFAULT '',
    worst_return      REAL NOT NULL DEFAULT 0,
    calibration_score REAL NOT NULL DEFAULT 50,
    PRIMARY KEY (thesis_id, date)
);
`,
	},
}

// Migrate applies all pending migrations in version order. Each migration
// runs in its own transaction and is recorded in schema_migrations.
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S','now'))
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := db.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// applyMigration runs a single migration transactionally.
func (db *DB) applyMigration(m migration) error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// SchemaVersion returns the highest applied migration version, 0 when none.
func (db *DB) SchemaVersion() (int, error) {
	var version sql.NullInt64
	err := db.conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
