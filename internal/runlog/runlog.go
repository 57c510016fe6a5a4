// Package runlog persists sync run metadata in plansync.sync_runs.
package runlog

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/plansync/internal/db"
	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/syncerr"
)

const maxErrorLen = 2000

const runColumns = `id, status, stage, source_url, source_year, started_at, completed_at,
	bytes_fetched, rows_processed, rows_rejected, rows_written, cache_size, error_kind, error`

// ErrNotRunning is returned when a terminal update targets a run that has
// already finished.
var ErrNotRunning = errors.New("runlog: run is not running")

// Store provides read/write access to plansync.sync_runs.
type Store struct {
	pool  db.Pool
	newID func() string
}

// New creates a Store backed by pool.
func New(pool db.Pool) *Store {
	return &Store{pool: pool, newID: func() string { return uuid.NewString() }}
}

// Start records a new running run. It fails with *syncerr.AlreadyRunningError
// when another run is in flight in any process.
func (s *Store) Start(ctx context.Context, sourceURL string, sourceYear int) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:         s.newID(),
		Status:     model.RunStatusRunning,
		Stage:      model.StageFetching,
		SourceURL:  sourceURL,
		SourceYear: sourceYear,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO plansync.sync_runs (id, status, stage, source_url, source_year, started_at)
		 VALUES ($1, $2, $3, $4, $5, now()) RETURNING started_at`,
		run.ID, string(run.Status), string(run.Stage), sourceURL, sourceYear,
	).Scan(&run.StartedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			active, lookupErr := s.Running(ctx)
			if lookupErr == nil && active != nil {
				return nil, &syncerr.AlreadyRunningError{RunID: active.ID}
			}
			return nil, &syncerr.AlreadyRunningError{}
		}
		return nil, eris.Wrap(err, "runlog: start run")
	}
	return run, nil
}

// Complete marks a running run as complete with its final counters.
func (s *Store) Complete(ctx context.Context, id string, stats model.RunStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plansync.sync_runs
		 SET status = 'complete', stage = $1, completed_at = now(), bytes_fetched = $2,
		     rows_processed = $3, rows_rejected = $4, rows_written = $5, cache_size = $6
		 WHERE id = $7 AND status = 'running'`,
		string(model.StageCompleted), stats.BytesFetched, stats.RowsProcessed, stats.RowsRejected,
		stats.RowsWritten, stats.CacheSize, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotRunning, "runlog: complete run %s", id)
	}
	return nil
}

// Fail marks a running run as failed. stats.Stage records how far it got.
func (s *Store) Fail(ctx context.Context, id string, stats model.RunStats, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	msg = clip(msg, maxErrorLen)
	stage := stats.Stage
	if stage == "" {
		stage = model.StageFailed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE plansync.sync_runs
		 SET status = 'failed', stage = $1, completed_at = now(), bytes_fetched = $2,
		     rows_processed = $3, rows_rejected = $4, rows_written = $5, cache_size = $6,
		     error_kind = $7, error = $8
		 WHERE id = $9 AND status = 'running'`,
		string(stage), stats.BytesFetched, stats.RowsProcessed, stats.RowsRejected,
		stats.RowsWritten, stats.CacheSize, syncerr.Kind(cause), msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotRunning, "runlog: fail run %s", id)
	}
	return nil
}

// ReapStale fails running runs started before now-olderThan, which can only
// belong to a process that died mid-run.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plansync.sync_runs
		 SET status = 'failed', completed_at = now(), error_kind = 'abandoned',
		     error = 'run abandoned: no terminal update before stale deadline'
		 WHERE status = 'running' AND started_at < $1`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "runlog: reap stale runs")
	}
	return tag.RowsAffected(), nil
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (*model.SyncRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM plansync.sync_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("runlog: run %s not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: get run %s", id)
	}
	return run, nil
}

// Running returns the in-flight run, or nil.
func (s *Store) Running(ctx context.Context) (*model.SyncRun, error) {
	return s.one(ctx, "running",
		`SELECT `+runColumns+` FROM plansync.sync_runs WHERE status = 'running' LIMIT 1`)
}

// LastSuccess returns the most recent completed run, or nil if none.
func (s *Store) LastSuccess(ctx context.Context) (*model.SyncRun, error) {
	return s.one(ctx, "last success",
		`SELECT `+runColumns+` FROM plansync.sync_runs
		 WHERE status = 'complete' ORDER BY started_at DESC LIMIT 1`)
}

func (s *Store) one(ctx context.Context, what, sql string) (*model.SyncRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, sql))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: %s", what)
	}
	return run, nil
}

// List returns up to limit runs, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM plansync.sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "runlog: list runs iterate")
}

func scanRun(row pgx.Row) (*model.SyncRun, error) {
	var (
		r             model.SyncRun
		status, stage string
		cacheSize     int32
		sourceYear    int32
	)
	err := row.Scan(&r.ID, &status, &stage, &r.SourceURL, &sourceYear, &r.StartedAt, &r.CompletedAt,
		&r.BytesFetched, &r.RowsProcessed, &r.RowsRejected, &r.RowsWritten, &cacheSize, &r.ErrorKind, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Stage = model.Stage(stage)
	r.CacheSize = int(cacheSize)
	r.SourceYear = int(sourceYear)
	return &r, nil
}

// clip cuts s to at most max bytes without splitting a UTF-8 sequence.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
