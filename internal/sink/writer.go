package sink

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/rank"
	"github.com/sells-group/plansync/internal/syncerr"
)

const (
	DefaultBatchSize = 2000
	DefaultK         = 2000

	abortTimeout = 30 * time.Second
)

// WriterOptions tunes a Writer.
type WriterOptions struct {
	BatchSize int `mapstructure:"batch_size"`
	K         int `mapstructure:"k"`
}

// WriteResult summarizes a committed write.
type WriteResult struct {
	Written   int64 `json:"rows_written"`
	CacheSize int   `json:"cache_size"`
}

// Writer fans a plan stream out to the analytical stage and a top-K heap.
type Writer struct {
	analytical Analytical
	cache      Cache
	opts       WriterOptions
}

// NewWriter creates a Writer. Zero options take defaults.
func NewWriter(a Analytical, c Cache, opts WriterOptions) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	return &Writer{analytical: a, cache: c, opts: opts}
}

// Staged is a fully staged run awaiting Commit or Abort.
type Staged struct {
	runID string
	stage Stage
	top   *rank.TopK
	cache Cache
	rows  int64
	done  bool
}

// Rows returns the number of plans received, duplicates included.
func (s *Staged) Rows() int64 { return s.rows }

// Stage drains plans into a new analytical stage. On error the stage has
// already been aborted.
func (w *Writer) Stage(ctx context.Context, runID string, plans <-chan model.Plan) (*Staged, error) {
	log := zap.L().With(zap.String("component", "sink.writer"), zap.String("run_id", runID))

	stage, err := w.analytical.Begin(ctx, runID)
	if err != nil {
		return nil, &syncerr.WriteError{Sink: syncerr.SinkAnalytical, Err: eris.Wrap(err, "sink: begin stage")}
	}

	s := &Staged{runID: runID, stage: stage, top: rank.NewTopK(w.opts.K), cache: w.cache}
	batch := newBatch(w.opts.BatchSize)
	var batches int

	flush := func() error {
		if batch.len() == 0 {
			return nil
		}
		if err := stage.Write(ctx, batch.plans()); err != nil {
			return err
		}
		batches++
		if batches%50 == 0 {
			log.Info("staged batches", zap.Int("batches", batches), zap.Int64("rows", s.rows))
		}
		batch.reset()
		return nil
	}

	for {
		var (
			p  model.Plan
			ok bool
		)
		select {
		case <-ctx.Done():
			s.Abort(ctx)
			return nil, ctx.Err()
		case p, ok = <-plans:
		}
		if !ok {
			break
		}
		s.rows++
		s.top.Offer(p)
		batch.add(p)
		if batch.len() >= w.opts.BatchSize {
			if err := flush(); err != nil {
				s.Abort(ctx)
				return nil, &syncerr.WriteError{Sink: syncerr.SinkAnalytical, Err: eris.Wrap(err, "sink: write batch")}
			}
		}
	}
	if err := flush(); err != nil {
		s.Abort(ctx)
		return nil, &syncerr.WriteError{Sink: syncerr.SinkAnalytical, Err: eris.Wrap(err, "sink: write batch")}
	}

	log.Info("stage complete", zap.Int("batches", batches), zap.Int64("rows", s.rows), zap.Int("top_k", s.top.Len()))
	return s, nil
}

// Commit publishes the analytical snapshot, then replaces the cache. A cache
// failure after the analytical commit leaves the previous cache in place.
func (s *Staged) Commit(ctx context.Context) (WriteResult, error) {
	if s.done {
		return WriteResult{}, eris.New("sink: stage already finished")
	}
	s.done = true

	written, err := s.stage.Commit(ctx)
	if err != nil {
		s.abort(ctx)
		return WriteResult{}, &syncerr.WriteError{Sink: syncerr.SinkAnalytical, Err: eris.Wrap(err, "sink: commit stage")}
	}

	top := s.top.Sorted()
	if err := s.cache.Replace(ctx, s.runID, top); err != nil {
		return WriteResult{Written: written}, &syncerr.WriteError{Sink: syncerr.SinkCache, Err: eris.Wrap(err, "sink: replace cache")}
	}
	return WriteResult{Written: written, CacheSize: len(top)}, nil
}

// Abort discards the stage. It is a no-op after Commit or a prior Abort.
func (s *Staged) Abort(ctx context.Context) {
	if s.done {
		return
	}
	s.done = true
	s.abort(ctx)
}

func (s *Staged) abort(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := s.stage.Abort(ctx); err != nil {
		zap.L().Warn("sink: abort stage failed", zap.String("run_id", s.runID), zap.Error(err))
	}
}

// Write stages plans and commits once gate, if set, passes.
func (w *Writer) Write(ctx context.Context, runID string, plans <-chan model.Plan, gate func() error) (WriteResult, error) {
	s, err := w.Stage(ctx, runID, plans)
	if err != nil {
		return WriteResult{}, err
	}
	if gate != nil {
		if err := gate(); err != nil {
			s.Abort(ctx)
			return WriteResult{}, err
		}
	}
	return s.Commit(ctx)
}

// batch accumulates plans for one stage write, keeping one plan per ID.
type batch struct {
	items []model.Plan
	index map[string]int
}

func newBatch(size int) *batch {
	return &batch{items: make([]model.Plan, 0, size), index: make(map[string]int, size)}
}

func (b *batch) add(p model.Plan) {
	if i, ok := b.index[p.ID]; ok {
		if rank.Supersedes(&p, &b.items[i]) {
			b.items[i] = p
		}
		return
	}
	b.index[p.ID] = len(b.items)
	b.items = append(b.items, p)
}

func (b *batch) len() int { return len(b.items) }

func (b *batch) plans() []model.Plan { return b.items }

func (b *batch) reset() {
	b.items = b.items[:0]
	clear(b.index)
}
