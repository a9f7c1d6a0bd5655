// Package store persists the sync run log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusSkipped  RunStatus = "skipped"
)

// RunSpec describes the window a run covers.
type RunSpec struct {
	Mode        string    `json:"mode"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// RunStats are the counters reported when a run finishes.
type RunStats struct {
	Accounts int `json:"accounts"`
	Records  int `json:"records"`
	Failures int `json:"failures"`
}

// Run is one poll tick.
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	Mode        string     `json:"mode" yaml:"mode"`
	WindowStart time.Time  `json:"window_start" yaml:"window_start"`
	WindowEnd   time.Time  `json:"window_end" yaml:"window_end"`
	Status      RunStatus  `json:"status" yaml:"status"`
	Accounts    int        `json:"accounts" yaml:"accounts"`
	Records     int        `json:"records" yaml:"records"`
	Failures    int        `json:"failures" yaml:"failures"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for the run log.
type Store interface {
	CreateRun(ctx context.Context, spec RunSpec) (*Run, error)
	CompleteRun(ctx context.Context, runID string, stats RunStats) error
	FailRun(ctx context.Context, runID string, stats RunStats, cause string) error
	RecordSkipped(ctx context.Context, spec RunSpec) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Open returns the Store for driver, migrated and ready to use.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case DriverSQLite, "":
		if dsn == "" {
			dsn = "cdr-sync.db"
		}
		s, err = NewSQLite(dsn)
	case DriverPostgres:
		s, err = NewPostgres(ctx, dsn, poolCfg)
	case DriverNone:
		return Nop{}, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// Nop discards the run log.
type Nop struct{}

func (Nop) CreateRun(_ context.Context, spec RunSpec) (*Run, error) {
	return &Run{Mode: spec.Mode, WindowStart: spec.WindowStart, WindowEnd: spec.WindowEnd, Status: RunStatusRunning}, nil
}

func (Nop) CompleteRun(context.Context, string, RunStats) error { return nil }
func (Nop) FailRun(context.Context, string, RunStats, string) error { return nil }
func (Nop) ListRuns(context.Context, RunFilter) ([]Run, error) { return nil, nil }
func (Nop) Migrate(context.Context) error { return nil }
func (Nop) Close() error { return nil }

func (Nop) RecordSkipped(_ context.Context, spec RunSpec) (*Run, error) {
	return &Run{Mode: spec.Mode, WindowStart: spec.WindowStart, WindowEnd: spec.WindowEnd, Status: RunStatusSkipped}, nil
}
