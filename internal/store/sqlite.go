package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id           TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	window_start DATETIME NOT NULL,
	window_end   DATETIME NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	accounts     INTEGER NOT NULL DEFAULT 0,
	records      INTEGER NOT NULL DEFAULT 0,
	failures     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, spec RunSpec) (*Run, error) {
	return s.insertRun(ctx, spec, RunStatusRunning, nil)
}

func (s *SQLiteStore) RecordSkipped(ctx context.Context, spec RunSpec) (*Run, error) {
	now := time.Now().UTC()
	return s.insertRun(ctx, spec, RunStatusSkipped, &now)
}

func (s *SQLiteStore) insertRun(ctx context.Context, spec RunSpec, status RunStatus, finished *time.Time) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, mode, window_start, window_end, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, spec.Mode, spec.WindowStart.UTC(), spec.WindowEnd.UTC(), string(status), now, finished,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:          id,
		Mode:        spec.Mode,
		WindowStart: spec.WindowStart,
		WindowEnd:   spec.WindowEnd,
		Status:      status,
		StartedAt:   now,
		FinishedAt:  finished,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, stats RunStats) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, accounts = ?, records = ?, failures = ?, finished_at = ? WHERE id = ?`,
		string(RunStatusComplete), stats.Accounts, stats.Records, stats.Failures, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, stats RunStats, cause string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, accounts = ?, records = ?, failures = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(RunStatusFailed), stats.Accounts, stats.Records, stats.Failures, cause, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, mode, window_start, window_end, status, accounts, records, failures, error, started_at, finished_at FROM sync_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var status string
	var errMsg sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Mode, &r.WindowStart, &r.WindowEnd, &status,
		&r.Accounts, &r.Records, &r.Failures, &errMsg, &r.StartedAt, &finished); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Status = RunStatus(status)
	r.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
