package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/rank"
	"github.com/sells-group/plansync/internal/sink"
	"github.com/sells-group/plansync/internal/syncerr"
)

// buildZip returns an in-memory archive holding the given name/content pairs.
func buildZip(t *testing.T, files ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i := 0; i+1 < len(files); i += 2 {
		fw, err := w.Create(files[i])
		require.NoError(t, err)
		_, err = fw.Write([]byte(files[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// bodyFunc serves data fresh on every Download call.
func bodyFunc(data []byte) func(context.Context, string) (io.ReadCloser, error) {
	return func(context.Context, string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// memAnalytical keeps the live snapshot in memory.
type memAnalytical struct {
	mu    sync.Mutex
	live  map[string]model.Plan
	begun int
}

func (m *memAnalytical) Begin(context.Context, string) (sink.Stage, error) {
	m.mu.Lock()
	m.begun++
	m.mu.Unlock()
	return &memStage{parent: m, rows: map[string]model.Plan{}}, nil
}

func (m *memAnalytical) snapshot() map[string]model.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

type memStage struct {
	parent *memAnalytical
	rows   map[string]model.Plan
}

func (s *memStage) Write(_ context.Context, plans []model.Plan) error {
	for _, p := range plans {
		if cur, ok := s.rows[p.ID]; !ok || rank.Supersedes(&p, &cur) {
			s.rows[p.ID] = p
		}
	}
	return nil
}

func (s *memStage) Commit(context.Context) (int64, error) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.live = s.rows
	return int64(len(s.rows)), nil
}

func (s *memStage) Abort(context.Context) error { return nil }

type memCache struct {
	mu    sync.Mutex
	plans []model.Plan
	calls int
	err   error
}

func (c *memCache) Replace(_ context.Context, _ string, plans []model.Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return c.err
	}
	c.plans = slices.Clone(plans)
	return nil
}

func (c *memCache) snapshot() ([]model.Plan, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plans, c.calls
}

// memRunLog enforces the single-running-row rule like the partial unique index.
type memRunLog struct {
	mu     sync.Mutex
	runs   map[string]*model.SyncRun
	seq    int
	reaped int
}

func newMemRunLog() *memRunLog {
	return &memRunLog{runs: map[string]*model.SyncRun{}}
}

func (l *memRunLog) Start(_ context.Context, url string, year int) (*model.SyncRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.runs {
		if r.Status == model.RunStatusRunning {
			return nil, &syncerr.AlreadyRunningError{RunID: r.ID}
		}
	}
	l.seq++
	r := &model.SyncRun{
		ID:         fmt.Sprintf("run-%d", l.seq),
		Status:     model.RunStatusRunning,
		Stage:      model.StageFetching,
		SourceURL:  url,
		SourceYear: year,
		StartedAt:  time.Now().UTC(),
	}
	l.runs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (l *memRunLog) finish(id string, status model.RunStatus, stats model.RunStats, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok || r.Status != model.RunStatusRunning {
		return fmt.Errorf("run %s is not running", id)
	}
	now := time.Now().UTC()
	r.Status = status
	r.Stage = stats.Stage
	r.CompletedAt = &now
	r.BytesFetched = stats.BytesFetched
	r.RowsProcessed = stats.RowsProcessed
	r.RowsRejected = stats.RowsRejected
	r.RowsWritten = stats.RowsWritten
	r.CacheSize = stats.CacheSize
	if cause != nil {
		r.ErrorKind = syncerr.Kind(cause)
		r.Error = cause.Error()
	}
	return nil
}

func (l *memRunLog) Complete(_ context.Context, id string, stats model.RunStats) error {
	return l.finish(id, model.RunStatusComplete, stats, nil)
}

func (l *memRunLog) Fail(_ context.Context, id string, stats model.RunStats, cause error) error {
	return l.finish(id, model.RunStatusFailed, stats, cause)
}

func (l *memRunLog) ReapStale(context.Context, time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reaped++
	return 0, nil
}

func (l *memRunLog) get(id string) model.SyncRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.runs[id]
}

// gatedFetcher blocks Download until release is closed or ctx ends.
type gatedFetcher struct {
	data    []byte
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newGatedFetcher(data []byte) *gatedFetcher {
	return &gatedFetcher{data: data, release: make(chan struct{}), entered: make(chan struct{})}
}

func (f *gatedFetcher) Download(ctx context.Context, _ string) (io.ReadCloser, error) {
	f.once.Do(func() { close(f.entered) })
	select {
	case <-f.release:
		return io.NopCloser(bytes.NewReader(f.data)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stallingBody yields nothing until ctx ends.
type stallingBody struct{ ctx context.Context }

func (b stallingBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b stallingBody) Close() error { return nil }
