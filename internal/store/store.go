// Package store provides the one piece of durable state SPEC_FULL.md adds
// beyond spec.md's "persisted state: none" baseline: a call-history audit
// log. Live user and call state (internal/signaling.Registry, Manager) is
// never persisted here or anywhere else — this package only ever records
// what already happened, after the fact.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1. Append, never
// edit or reorder.
var migrations = []string{
	// v1 — call history
	`CREATE TABLE IF NOT EXISTS call_history (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id       TEXT NOT NULL,
		caller_id     TEXT NOT NULL,
		callee_id     TEXT NOT NULL,
		peer_address  TEXT NOT NULL DEFAULT '',
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER,
		loss_rate_pct REAL NOT NULL DEFAULT 0,
		peak_sample   INTEGER NOT NULL DEFAULT 0
	)`,
	// v2 — lookup index for recent-history queries
	`CREATE INDEX IF NOT EXISTS idx_call_history_started ON call_history(started_at)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database holding the call-history audit log.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral storage in tests.
func New(path string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Warnw("store: enabling WAL mode", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warnw("store: setting busy_timeout", "error", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Infow("store: applied migration", "version", v)
	}
	return nil
}

// RecordCallStart inserts a new call-history row and returns its row id.
func (s *Store) RecordCallStart(callID, callerID, calleeID, peerAddress string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO call_history(call_id, caller_id, callee_id, peer_address, started_at) VALUES(?, ?, ?, ?, ?)`,
		callID, callerID, calleeID, peerAddress, startedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: record call start: %w", err)
	}
	return res.LastInsertId()
}

// RecordCallEnd fills in the end-of-call summary fields for a row
// previously created by RecordCallStart.
func (s *Store) RecordCallEnd(id int64, endedAt time.Time, lossRatePct float64, peakSample int16) error {
	_, err := s.db.Exec(
		`UPDATE call_history SET ended_at = ?, loss_rate_pct = ?, peak_sample = ? WHERE id = ?`,
		endedAt.Unix(), lossRatePct, peakSample, id,
	)
	if err != nil {
		return fmt.Errorf("store: record call end: %w", err)
	}
	return nil
}

// CallRecord is one row of call_history.
type CallRecord struct {
	ID          int64
	CallID      string
	CallerID    string
	CalleeID    string
	PeerAddress string
	StartedAt   time.Time
	EndedAt     *time.Time
	LossRatePct float64
	PeakSample  int16
}

// RecentCalls returns up to limit of the most recent call-history rows,
// newest first.
func (s *Store) RecentCalls(limit int) ([]CallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, call_id, caller_id, callee_id, peer_address, started_at, ended_at, loss_rate_pct, peak_sample
		 FROM call_history ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.CallerID, &rec.CalleeID, &rec.PeerAddress,
			&started, &ended, &rec.LossRatePct, &rec.PeakSample); err != nil {
			return nil, fmt.Errorf("store: scan call record: %w", err)
		}
		rec.StartedAt = time.Unix(started, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
