package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/plansync/internal/archive"
	"github.com/sells-group/plansync/internal/config"
	"github.com/sells-group/plansync/internal/db"
	"github.com/sells-group/plansync/internal/fetcher"
	"github.com/sells-group/plansync/internal/pipeline"
	"github.com/sells-group/plansync/internal/resilience"
	"github.com/sells-group/plansync/internal/runlog"
	"github.com/sells-group/plansync/internal/sink"
)

// syncEnv holds the collaborators of a sync run.
type syncEnv struct {
	Pool        *pgxpool.Pool
	Runs        *runlog.Store
	Analytical  *sink.Postgres
	Cache       *sink.SQLiteCache
	Coordinator *pipeline.Coordinator
}

// Close cancels any background run, then releases stores.
func (e *syncEnv) Close() {
	if e.Coordinator != nil {
		e.Coordinator.Close()
	}
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			zap.L().Warn("close cache", zap.Error(err))
		}
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initSyncEnv connects the stores and builds a coordinator from cfg.
func initSyncEnv(ctx context.Context, c *config.Config, progress fetcher.ProgressFunc) (*syncEnv, error) {
	pool, err := db.Connect(ctx, c.Analytical.DatabaseURL, c.Analytical.MaxConns)
	if err != nil {
		return nil, err
	}
	env := &syncEnv{Pool: pool}

	if err := runlog.Migrate(ctx, pool); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "apply migrations")
	}

	cache, err := sink.OpenSQLiteCache(ctx, c.Cache.Path)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Cache = cache
	env.Runs = runlog.New(pool)
	env.Analytical = sink.NewPostgres(pool)

	writer := sink.NewWriter(env.Analytical, cache, sink.WriterOptions{
		BatchSize: c.Analytical.BatchSize,
		K:         c.Rank.TopK,
	})
	env.Coordinator = pipeline.New(newFetcher(c.Source), writer, env.Runs, coordinatorOptions(c, progress))

	zap.L().Info("sync environment ready",
		zap.String("cache", c.Cache.Path),
		zap.Int("top_k", c.Rank.TopK),
		zap.String("source", c.Source.URL),
	)
	return env, nil
}

// newFetcher builds the HTTP and FTP fetchers behind a scheme dispatcher.
func newFetcher(s config.SourceConfig) *fetcher.SchemeFetcher {
	retry := resilience.DefaultRetryConfig()
	if s.RetryAttempts > 0 {
		retry.MaxAttempts = s.RetryAttempts
	}
	retry.OnRetry = resilience.RetryLogger("fetch archive")

	h := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:     s.UserAgent,
		HeaderTimeout: time.Duration(s.HeaderTimeoutSecs) * time.Second,
		MaxRedirects:  s.MaxRedirects,
		Retry:         retry,
		RateLimit:     rate.Limit(s.RateLimit),
	})
	f := fetcher.NewFTPFetcher(fetcher.FTPOptions{
		Timeout: time.Duration(s.FTPTimeoutSecs) * time.Second,
	})
	return fetcher.NewSchemeFetcher(h, f)
}

// coordinatorOptions maps configuration onto pipeline options.
func coordinatorOptions(c *config.Config, progress fetcher.ProgressFunc) pipeline.Options {
	exts := make([]string, 0, len(c.Source.Extensions))
	for _, e := range c.Source.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}

	scratch := c.Scratch.Dir
	if scratch != "" {
		scratch = filepath.Clean(scratch)
	}

	return pipeline.Options{
		SourceURL:  c.Source.URL,
		SourceYear: c.Source.Year,
		ScratchDir: scratch,
		Archive: archive.Options{
			Marker:     c.Source.Marker,
			Extensions: exts,
		},
		Columns:    c.Parse.Columns,
		Weights:    c.Rank.Weights,
		Encoding:   c.Parse.Encoding,
		Delimiter:  c.Parse.DelimiterRune(),
		Ceiling:    c.Parse.RejectionCeiling,
		MinSample:  c.Parse.MinSample,
		Workers:    c.Parse.Workers,
		Buffer:     c.Parse.Buffer,
		StaleAfter: c.RunLog.StaleAfter(),
		Progress:   progress,
	}
}
