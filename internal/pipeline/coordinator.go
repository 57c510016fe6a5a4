// Package pipeline drives one ingestion run: fetch, read, parse, normalize,
// rank and write.
package pipeline

import (
	"context"
	"io"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/plansync/internal/archive"
	"github.com/sells-group/plansync/internal/fetcher"
	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/normalize"
	"github.com/sells-group/plansync/internal/parse"
	"github.com/sells-group/plansync/internal/rank"
	"github.com/sells-group/plansync/internal/sink"
	"github.com/sells-group/plansync/internal/syncerr"
)

// DefaultStaleAfter is how long a running row may live before it is
// considered abandoned.
const DefaultStaleAfter = 6 * time.Hour

// DefaultMarker identifies the main Form 5500 data file inside the archive.
const DefaultMarker = "f_5500"

// RunLog records run metadata.
type RunLog interface {
	Start(ctx context.Context, sourceURL string, sourceYear int) (*model.SyncRun, error)
	Complete(ctx context.Context, id string, stats model.RunStats) error
	Fail(ctx context.Context, id string, stats model.RunStats, cause error) error
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Options configures a Coordinator.
type Options struct {
	SourceURL  string
	SourceYear int // 0 derives the year from SourceURL
	ScratchDir string

	Archive archive.Options
	Columns normalize.Columns
	Weights rank.Weights

	Encoding  string
	Delimiter rune
	Ceiling   float64
	MinSample int64

	Workers    int // normalize goroutines; default GOMAXPROCS
	Buffer     int // capacity of each inter-stage channel; default 256
	StaleAfter time.Duration

	Progress fetcher.ProgressFunc
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Ceiling <= 0 {
		o.Ceiling = parse.DefaultCeiling
	}
	if o.MinSample <= 0 {
		o.MinSample = parse.DefaultMinSample
	}
	if o.Weights == (rank.Weights{}) {
		o.Weights = rank.DefaultWeights()
	}
	if o.Archive.Marker == "" {
		o.Archive.Marker = DefaultMarker
	}
	if o.SourceYear == 0 {
		o.SourceYear = SourceYear(o.SourceURL)
	}
	return o
}

var yearRe = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2})(?:[^0-9]|$)`)

// SourceYear returns the last four-digit year in url, or 0.
func SourceYear(url string) int {
	m := yearRe.FindAllStringSubmatch(url, -1)
	if len(m) == 0 {
		return 0
	}
	y, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return 0
	}
	return y
}

// Status is a snapshot of the coordinator.
type Status struct {
	RunID         string      `json:"run_id,omitempty"`
	Stage         model.Stage `json:"stage"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	RowsProcessed int64       `json:"rows_processed"`
	RowsRejected  int64       `json:"rows_rejected"`
}

// Coordinator runs at most one ingestion at a time.
type Coordinator struct {
	opts    Options
	fetcher fetcher.Fetcher
	writer  *sink.Writer
	runs    RunLog
	now     func() time.Time

	running atomic.Bool

	mu      sync.Mutex
	runID   string
	stage   model.Stage
	started *time.Time
	budget  *parse.Budget

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator.
func New(f fetcher.Fetcher, w *sink.Writer, runs RunLog, opts Options) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:    opts.withDefaults(),
		fetcher: f,
		writer:  w,
		runs:    runs,
		now:     time.Now,
		stage:   model.StageIdle,
		base:    base,
		cancel:  cancel,
	}
}

// Status returns the current stage and run.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{RunID: c.runID, Stage: c.stage, StartedAt: c.started}
	if c.budget != nil {
		s.RowsProcessed = c.budget.Processed()
		s.RowsRejected = c.budget.Rejected()
	}
	return s
}

// Run executes one ingestion synchronously.
func (c *Coordinator) Run(ctx context.Context) (*model.SyncRun, error) {
	run, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.running.Store(false)
	return c.execute(ctx, run)
}

// Trigger starts an ingestion in the background and returns its run id. The
// run outlives ctx; Close cancels it.
func (c *Coordinator) Trigger(ctx context.Context) (string, error) {
	run, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		_, _ = c.execute(c.base, run)
	}()
	return run.ID, nil
}

// Close cancels any background run and waits for it to record its outcome.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// acquire takes the in-process guard, then the cross-process one.
func (c *Coordinator) acquire(ctx context.Context) (*model.SyncRun, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, &syncerr.AlreadyRunningError{RunID: c.Status().RunID}
	}
	log := zap.L().With(zap.String("component", "pipeline.coordinator"))

	if n, err := c.runs.ReapStale(ctx, c.opts.StaleAfter); err != nil {
		log.Warn("reap stale runs failed", zap.Error(err))
	} else if n > 0 {
		log.Warn("marked abandoned runs failed", zap.Int64("count", n))
	}

	run, err := c.runs.Start(ctx, c.opts.SourceURL, c.opts.SourceYear)
	if err != nil {
		c.running.Store(false)
		if syncerr.IsAlreadyRunning(err) {
			return nil, err
		}
		return nil, eris.Wrap(err, "pipeline: record run start")
	}

	c.mu.Lock()
	c.runID = run.ID
	c.started = &run.StartedAt
	c.budget = nil
	c.mu.Unlock()
	return run, nil
}

func (c *Coordinator) setStage(s model.Stage) {
	c.mu.Lock()
	c.stage = s
	c.mu.Unlock()
}

// execute walks the run through its stages and records the outcome.
func (c *Coordinator) execute(ctx context.Context, run *model.SyncRun) (*model.SyncRun, error) {
	log := zap.L().With(zap.String("component", "pipeline.coordinator"), zap.String("run_id", run.ID))
	start := time.Now()
	stats := model.RunStats{Stage: model.StageFetching}

	log.Info("sync started",
		zap.String("source", c.opts.SourceURL),
		zap.Int("source_year", c.opts.SourceYear),
		zap.String("scratch_dir", c.opts.ScratchDir),
	)

	res, err := c.ingest(ctx, run.ID, &stats)
	if err != nil {
		stats.RowsWritten = res.Written
		if syncerr.Kind(err) == "cache_stale" {
			log.Warn("analytical snapshot published but cache not replaced",
				zap.Int64("written", res.Written))
		}
		c.setStage(model.StageFailed)
		log.Error("sync failed",
			zap.String("stage", string(stats.Stage)),
			zap.String("kind", syncerr.Kind(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if logErr := c.runs.Fail(context.WithoutCancel(ctx), run.ID, stats, err); logErr != nil {
			log.Error("failed to record sync failure", zap.Error(logErr))
		}
		return finish(run, model.RunStatusFailed, stats, err), err
	}

	stats.Stage = model.StageCompleted
	stats.RowsWritten = res.Written
	stats.CacheSize = res.CacheSize
	c.setStage(model.StageCompleted)
	if logErr := c.runs.Complete(context.WithoutCancel(ctx), run.ID, stats); logErr != nil {
		log.Error("failed to record sync completion", zap.Error(logErr))
	}

	log.Info("sync complete",
		zap.Int64("bytes", stats.BytesFetched),
		zap.Int64("processed", stats.RowsProcessed),
		zap.Int64("rejected", stats.RowsRejected),
		zap.Int64("written", stats.RowsWritten),
		zap.Int("cache_size", stats.CacheSize),
		zap.Duration("elapsed", time.Since(start)),
	)
	return finish(run, model.RunStatusComplete, stats, nil), nil
}

func finish(run *model.SyncRun, status model.RunStatus, stats model.RunStats, err error) *model.SyncRun {
	out := *run
	now := time.Now().UTC()
	out.Status = status
	out.Stage = stats.Stage
	out.CompletedAt = &now
	out.BytesFetched = stats.BytesFetched
	out.RowsProcessed = stats.RowsProcessed
	out.RowsRejected = stats.RowsRejected
	out.RowsWritten = stats.RowsWritten
	out.CacheSize = stats.CacheSize
	if err != nil {
		out.ErrorKind = syncerr.Kind(err)
		out.Error = err.Error()
	}
	return &out
}

// ingest runs the stages. stats.Stage tracks the furthest stage entered.
func (c *Coordinator) ingest(ctx context.Context, runID string, stats *model.RunStats) (sink.WriteResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.coordinator"), zap.String("run_id", runID))

	enter := func(s model.Stage) {
		stats.Stage = s
		c.setStage(s)
	}

	enter(model.StageFetching)
	scratch, err := fetcher.FetchToScratch(ctx, c.fetcher, c.opts.SourceURL, c.opts.ScratchDir, c.opts.Progress)
	if err != nil {
		return sink.WriteResult{}, err
	}
	defer scratch.Close() //nolint:errcheck
	stats.BytesFetched = scratch.Size

	enter(model.StageParsing)
	arc, err := archive.Open(scratch.Path, c.opts.Archive)
	if err != nil {
		return sink.WriteResult{}, err
	}
	defer arc.Close() //nolint:errcheck

	entry, err := arc.Primary()
	if err != nil {
		return sink.WriteResult{}, err
	}
	rc, err := entry.Open()
	if err != nil {
		return sink.WriteResult{}, err
	}
	defer rc.Close() //nolint:errcheck
	log.Info("reading primary entry", zap.String("entry", entry.Name), zap.Int64("size", entry.Size))

	budget := parse.NewBudget(c.opts.Ceiling, c.opts.MinSample)
	c.mu.Lock()
	c.budget = budget
	c.mu.Unlock()
	defer func() {
		stats.RowsProcessed = budget.Processed()
		stats.RowsRejected = budget.Rejected()
	}()

	staged, err := c.stream(ctx, runID, rc, budget)
	if err != nil {
		return sink.WriteResult{}, err
	}
	if err := budget.Check(); err != nil {
		staged.Abort(ctx)
		return sink.WriteResult{}, err
	}

	enter(model.StageWriting)
	if err := ctx.Err(); err != nil {
		staged.Abort(ctx)
		return sink.WriteResult{}, eris.Wrap(err, "pipeline: cancelled before commit")
	}
	return staged.Commit(ctx)
}

// stream wires parser, normalize workers and the writer with bounded
// channels. Output order is not preserved.
func (c *Coordinator) stream(ctx context.Context, runID string, r io.Reader, budget *parse.Budget) (*sink.Staged, error) {
	g, gctx := errgroup.WithContext(ctx)

	cols := c.opts.Columns
	records, parseErrs := parse.Stream(gctx, r, parse.Options{
		Delimiter: c.opts.Delimiter,
		Required:  cols.Required(),
		Encoding:  c.opts.Encoding,
		Buffer:    c.opts.Buffer,
		Budget:    budget,
	})
	g.Go(func() error {
		return <-parseErrs
	})

	norm := normalize.New(cols, c.opts.SourceYear, c.now())
	plans := make(chan model.Plan, c.opts.Buffer)

	var workers sync.WaitGroup
	for range c.opts.Workers {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return c.normalizeWorker(gctx, norm, budget, records, plans)
		})
	}
	go func() {
		workers.Wait()
		close(plans)
	}()

	var staged *sink.Staged
	g.Go(func() error {
		var err error
		staged, err = c.writer.Stage(gctx, runID, plans)
		return err
	})

	if err := g.Wait(); err != nil {
		if staged != nil {
			staged.Abort(ctx)
		}
		return nil, err
	}
	return staged, nil
}

func (c *Coordinator) normalizeWorker(ctx context.Context, norm *normalize.Normalizer, budget *parse.Budget, in <-chan parse.RawRecord, out chan<- model.Plan) error {
	for rec := range in {
		p, err := norm.Normalize(rec)
		if err != nil {
			if !normalize.IsRejection(err) {
				return err
			}
			zap.L().Debug("row rejected", zap.String("component", "pipeline.normalize"), zap.Error(err))
			if err := budget.Reject(); err != nil {
				return err
			}
			continue
		}
		p.Rank = c.opts.Weights.Score(&p)
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
