// Package report persists a local audit log of every wait the harness
// armed, so CI can separate "the system under test never produced the
// event" from "the verification pipe broke" after a run finishes.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	started_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS waits (
	run_id TEXT NOT NULL,
	wait_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	group_id TEXT NOT NULL,
	origin TEXT NOT NULL,
	outcome TEXT NOT NULL,
	matched INTEGER NOT NULL,
	observed INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	error TEXT,
	armed_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (run_id, wait_id)
);

CREATE INDEX IF NOT EXISTS idx_waits_run_outcome ON waits(run_id, outcome);

CREATE TRIGGER IF NOT EXISTS trg_waits_no_update
BEFORE UPDATE ON waits
BEGIN
	SELECT RAISE(ABORT, 'wait records are append-only: UPDATE forbidden');
END;
`

// WaitRecord is one resolved wait as persisted.
type WaitRecord struct {
	RunID    string
	WaitID   string
	Topic    string
	GroupID  string
	Origin   string
	Outcome  string
	Matched  int
	Observed int
	Elapsed  time.Duration
	Error    string
	ArmedAt  time.Time
}

// RunSummary aggregates a run's waits by outcome.
type RunSummary struct {
	RunID     string
	Name      string
	StartedAt time.Time
	Matched   int
	TimedOut  int
	Errored   int
}

type Recorder struct {
	db *sql.DB
}

func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir report dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// BeginRun registers a named run and returns its ULID.
func (r *Recorder) BeginRun(ctx context.Context, name string) (string, error) {
	id := ulid.Make().String()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, name, started_at_utc_ns) VALUES(?, ?, ?)`,
		id, name, time.Now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

func (r *Recorder) RecordWait(ctx context.Context, rec WaitRecord) error {
	if rec.RunID == "" || rec.WaitID == "" {
		return fmt.Errorf("run_id and wait_id are required")
	}
	armedAt := rec.ArmedAt
	if armedAt.IsZero() {
		armedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO waits(run_id, wait_id, topic, group_id, origin, outcome, matched, observed, elapsed_ms, error, armed_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.WaitID, rec.Topic, rec.GroupID, rec.Origin, rec.Outcome,
		rec.Matched, rec.Observed, rec.Elapsed.Milliseconds(), nullable(rec.Error), armedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert wait record: %w", err)
	}
	return nil
}

// Waits returns a run's records in arming order.
func (r *Recorder) Waits(ctx context.Context, runID string) ([]WaitRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, wait_id, topic, group_id, origin, outcome, matched, observed, elapsed_ms, error, armed_at_utc_ns
FROM waits WHERE run_id=? ORDER BY armed_at_utc_ns ASC, wait_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WaitRecord
	for rows.Next() {
		var rec WaitRecord
		var elapsedMs, armedNs int64
		var errStr sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.WaitID, &rec.Topic, &rec.GroupID, &rec.Origin,
			&rec.Outcome, &rec.Matched, &rec.Observed, &elapsedMs, &errStr, &armedNs); err != nil {
			return nil, err
		}
		rec.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		rec.Error = errStr.String
		rec.ArmedAt = time.Unix(0, armedNs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summaries returns every recorded run, newest first.
func (r *Recorder) Summaries(ctx context.Context) ([]RunSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT r.run_id, r.name, r.started_at_utc_ns,
	COALESCE(SUM(CASE WHEN w.outcome='matched' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN w.outcome='timed_out' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN w.outcome='errored' THEN 1 ELSE 0 END), 0)
FROM runs r
LEFT JOIN waits w ON w.run_id = r.run_id
GROUP BY r.run_id, r.name, r.started_at_utc_ns
ORDER BY r.started_at_utc_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var startedNs int64
		if err := rows.Scan(&s.RunID, &s.Name, &startedNs, &s.Matched, &s.TimedOut, &s.Errored); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, startedNs).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
