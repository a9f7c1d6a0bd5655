package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var runColumns = []string{
	"id", "mode", "window_start", "window_end", "status",
	"accounts", "records", "failures", "error", "started_at", "finished_at",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS sync_runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	spec := testSpec()

	mock.ExpectExec(`INSERT INTO sync_runs`).
		WithArgs(pgxmock.AnyArg(), "loop", spec.WindowStart, spec.WindowEnd, "running", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sync_runs SET status = \$1`).
		WithArgs("complete", 2, 10, 0, pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteRun(context.Background(), "run-1", RunStats{Accounts: 2, Records: 10}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sync_runs`).
		WithArgs("complete", 0, 0, 0, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", RunStats{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sync_runs SET status = \$1, .*error = \$5`).
		WithArgs("failed", 1, 0, 1, "boom", pgxmock.AnyArg(), "run-1").
		WillReturnError(errors.New("conn closed"))

	err := s.FailRun(context.Background(), "run-1", RunStats{Accounts: 1, Failures: 1}, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: fail run run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	finished := started.Add(3 * time.Second)
	cause := "crossbar: authenticate"
	rows := pgxmock.NewRows(runColumns).
		AddRow("run-2", "loop", started, started.Add(5*time.Minute), "failed", 1, 0, 1, &cause, started, &finished).
		AddRow("run-1", "days", started, started.Add(time.Hour), "running", 0, 0, 0, (*string)(nil), started, (*time.Time)(nil))

	mock.ExpectQuery(`SELECT id, mode, .* FROM sync_runs WHERE true ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, RunStatusFailed, runs[0].Status)
	assert.Equal(t, cause, runs[0].Error)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Nil(t, runs[1].FinishedAt)
	assert.Empty(t, runs[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filtered(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`AND status = \$1 ORDER BY started_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("skipped", 5, 10).
		WillReturnRows(pgxmock.NewRows(runColumns))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: RunStatusSkipped, Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
