// Package store provides durable persistence for the battery fleet:
// master data, users, alerts, and the append-only telemetry table.
// SQLite is used through database/sql with WAL mode for concurrent
// readers alongside the single writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	apperrors "github.com/voltguard/voltguard/internal/errors"
)

// Config holds store configuration.
type Config struct {
	Path           string
	MaxConnections int
	RetentionDays  int
}

// Store owns the database handle. All persisted state flows through it.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open opens (creating if necessary) the database and initializes the
// schema.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 20
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." && cfg.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; readers share the rest of the pool.
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, cfg: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Int("maxConns", cfg.MaxConnections).Msg("Store opened")
	return s, nil
}

// Ping validates connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "store.ping", "database unreachable", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL DEFAULT 0,
			longitude REAL NOT NULL DEFAULT 0,
			temp_offset_c REAL NOT NULL DEFAULT 0,
			humidity_offset REAL NOT NULL DEFAULT 0,
			outages_per_year REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS systems (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL REFERENCES sites(id),
			kind TEXT NOT NULL,
			rated_power_w REAL NOT NULL DEFAULT 0,
			installed_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_systems_site ON systems(site_id);

		CREATE TABLE IF NOT EXISTS strings (
			id TEXT PRIMARY KEY,
			system_id TEXT NOT NULL REFERENCES systems(id),
			position INTEGER NOT NULL DEFAULT 0,
			battery_count INTEGER NOT NULL DEFAULT 0,
			nominal_voltage_v REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_strings_system ON strings(system_id);

		CREATE TABLE IF NOT EXISTS batteries (
			id TEXT PRIMARY KEY,
			string_id TEXT NOT NULL REFERENCES strings(id),
			position INTEGER NOT NULL DEFAULT 0,
			manufacturer TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			serial_number TEXT NOT NULL DEFAULT '',
			nominal_voltage_v REAL NOT NULL DEFAULT 12,
			nominal_capacity_ah REAL NOT NULL DEFAULT 0,
			installed_at_ms INTEGER NOT NULL,
			warranty_months INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active'
		);
		CREATE INDEX IF NOT EXISTS idx_batteries_string ON batteries(string_id);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);

		-- Append-only telemetry, clustered by (battery, timestamp) so
		-- range scans for one battery are sequential.
		CREATE TABLE IF NOT EXISTS telemetry (
			battery_id TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			voltage_v REAL NOT NULL,
			current_a REAL NOT NULL,
			temperature_c REAL NOT NULL,
			resistance_mohm REAL NOT NULL,
			soc_pct REAL NOT NULL,
			soh_pct REAL NOT NULL,
			PRIMARY KEY (battery_id, ts_ms)
		) WITHOUT ROWID;
		CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(ts_ms);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			battery_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			threshold REAL NOT NULL DEFAULT 0,
			observed_value REAL NOT NULL DEFAULT 0,
			triggered_at_ms INTEGER NOT NULL,
			resolved_at_ms INTEGER,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			acknowledged_at_ms INTEGER,
			ack_note TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_battery ON alerts(battery_id, triggered_at_ms);
		-- Enforces at most one open alert per (battery, kind).
		CREATE UNIQUE INDEX IF NOT EXISTS ux_alerts_open
		ON alerts(battery_id, kind) WHERE resolved_at_ms IS NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	log.Debug().Msg("Store schema initialized")
	return nil
}

// classify translates driver-level failures into the shared taxonomy.
// modernc.org/sqlite surfaces constraint and busy conditions in the
// error text.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperrors.Wrap(apperrors.KindNotFound, op, "not found", err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return apperrors.Wrap(apperrors.KindConflict, op, "already exists", err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return apperrors.Wrap(apperrors.KindTransient, op, "database busy", err)
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "closed"):
		return apperrors.Wrap(apperrors.KindFatal, op, "database unavailable", err)
	default:
		return apperrors.Wrap(apperrors.KindFatal, op, "database error", err)
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMsToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := msToTime(ms.Int64)
	return &t
}
