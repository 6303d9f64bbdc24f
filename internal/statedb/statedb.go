// Package statedb persists run and readiness-transition history in SQLite.
// One row per supervised run, one row per idle/active transition. The games
// side never writes here; play statistics are out of scope.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/agent-arcade/internal/logging"
)

var historyLog = logging.ForComponent(logging.CompHistory)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent       TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP,
	exit_reason TEXT
);
CREATE TABLE IF NOT EXISTS transitions (
	run_id     INTEGER NOT NULL REFERENCES runs(id),
	at         TIMESTAMP NOT NULL,
	idle       INTEGER NOT NULL,
	confidence REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id);
`

// HistoryDB wraps the SQLite history database. Safe for concurrent use
// within one process; WAL mode plus a busy timeout covers a stray second
// process.
type HistoryDB struct {
	db *sql.DB
}

// Run is one supervised agent run.
type Run struct {
	ID          int64
	Agent       string
	StartedAt   time.Time
	EndedAt     time.Time
	ExitReason  string
	Transitions int
}

// Open creates or opens the history database at dbPath.
func Open(dbPath string) (*HistoryDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("history: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	// WAL allows a reader (the history subcommand) while a run is writing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: schema: %w", err)
	}

	return &HistoryDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (h *HistoryDB) Close() error {
	if _, err := h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		historyLog.Debug("wal_checkpoint_failed", "error", err)
	}
	return h.db.Close()
}

// StartRun records the beginning of a supervised run and returns its id.
func (h *HistoryDB) StartRun(agent string, at time.Time) (int64, error) {
	res, err := h.db.Exec(
		"INSERT INTO runs (agent, started_at) VALUES (?, ?)", agent, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("history: start run: %w", err)
	}
	return res.LastInsertId()
}

// EndRun closes out a run with its exit reason ("normal", "interrupt",
// "crash_loop", "pane_health", ...).
func (h *HistoryDB) EndRun(runID int64, at time.Time, reason string) error {
	_, err := h.db.Exec(
		"UPDATE runs SET ended_at = ?, exit_reason = ? WHERE id = ?",
		at.UTC(), reason, runID)
	if err != nil {
		return fmt.Errorf("history: end run: %w", err)
	}
	return nil
}

// RecordTransition stores one idle/active flip.
func (h *HistoryDB) RecordTransition(runID int64, at time.Time, idle bool, confidence float64) error {
	_, err := h.db.Exec(
		"INSERT INTO transitions (run_id, at, idle, confidence) VALUES (?, ?, ?, ?)",
		runID, at.UTC(), idle, confidence)
	if err != nil {
		return fmt.Errorf("history: record transition: %w", err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first, with transition counts.
func (h *HistoryDB) RecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.Query(`
		SELECT r.id, r.agent, r.started_at, r.ended_at, r.exit_reason,
		       (SELECT COUNT(*) FROM transitions t WHERE t.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ended sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.Agent, &r.StartedAt, &ended, &reason, &r.Transitions); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		if ended.Valid {
			r.EndedAt = ended.Time
		}
		if reason.Valid {
			r.ExitReason = reason.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
