// Package sink persists ranked plans into the analytical store and the
// top-K cache.
package sink

import (
	"context"

	"github.com/sells-group/plansync/internal/model"
)

// Analytical holds the complete plan snapshot. Each run writes into its own
// stage, which replaces the live snapshot only on Commit.
type Analytical interface {
	Begin(ctx context.Context, runID string) (Stage, error)
}

// Stage is one run's pending analytical snapshot.
type Stage interface {
	// Write adds plans. Plans sharing an ID with an earlier write keep
	// whichever supersedes the other.
	Write(ctx context.Context, plans []model.Plan) error
	// Commit atomically swaps the stage in and returns its row count.
	Commit(ctx context.Context) (int64, error)
	// Abort discards the stage. The live snapshot is untouched.
	Abort(ctx context.Context) error
}

// Cache holds the highest-ranked plans of the last completed run.
type Cache interface {
	// Replace swaps the full cache contents in one transaction.
	Replace(ctx context.Context, runID string, plans []model.Plan) error
}
