// Package sqlite provides SQLite-based persistent storage for the digital
// twin. Uses WAL mode for concurrent reads and crash-safe writes. The two
// background loops and the API share one DB handle and its connection pool;
// SQLite itself serializes writers.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/twin.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "twin.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; readers multiplex over a few connections.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS networks (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			definition_path      TEXT NOT NULL,
			uploaded_at          INTEGER NOT NULL,
			baseline_computed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS network_items (
			network_id TEXT NOT NULL,
			item_kind  TEXT NOT NULL,
			item_id    TEXT NOT NULL,
			PRIMARY KEY (network_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS baseline_data (
			network_id     TEXT NOT NULL,
			location_id    TEXT NOT NULL,
			location_kind  TEXT NOT NULL,
			sensor_kind    TEXT NOT NULL,
			baseline_value REAL NOT NULL,
			UNIQUE (network_id, location_id, sensor_kind)
		)`,
		`CREATE TABLE IF NOT EXISTS scada_readings (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			network_id  TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			sensor_id   TEXT NOT NULL,
			sensor_kind TEXT NOT NULL,
			value       REAL NOT NULL,
			location_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_network_ts
			ON scada_readings(network_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS scada_generation_logs (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			network_id         TEXT NOT NULL,
			generated_at       INTEGER NOT NULL,
			readings_generated INTEGER NOT NULL,
			junctions_selected INTEGER NOT NULL,
			pipes_selected     INTEGER NOT NULL,
			tanks_selected     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			network_id        TEXT NOT NULL,
			timestamp         INTEGER NOT NULL,
			sensor_id         TEXT NOT NULL,
			sensor_kind       TEXT NOT NULL,
			location_id       TEXT NOT NULL,
			actual_value      REAL NOT NULL,
			expected_value    REAL NOT NULL,
			deviation_percent REAL NOT NULL,
			threshold_percent REAL NOT NULL,
			severity          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_network_ts
			ON anomalies(network_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_severity_ts
			ON anomalies(severity, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS expected_values (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			network_id     TEXT NOT NULL,
			timestamp      INTEGER NOT NULL,
			location_id    TEXT NOT NULL,
			sensor_kind    TEXT NOT NULL,
			expected_value REAL NOT NULL,
			eps_hour       REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expected_network_ts
			ON expected_values(network_id, timestamp DESC)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func unixNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullableNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNanos(t), Valid: true}
}
