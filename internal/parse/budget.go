package parse

import (
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plansync/internal/syncerr"
)

// Default rejection budget parameters.
const (
	DefaultCeiling   = 0.05
	DefaultMinSample = 1000
)

// Budget counts processed and rejected rows for one run. The parser and the
// normalizer share it, so malformed rows and unnormalizable rows draw on the
// same rejection ceiling. It is safe for concurrent use.
type Budget struct {
	// Ceiling is the highest tolerated rejected/processed ratio. A rate equal
	// to the ceiling passes.
	Ceiling float64
	// MinSample is the number of processed rows before the ceiling is
	// enforced mid-stream. Check enforces it regardless.
	MinSample int64

	processed atomic.Int64
	rejected  atomic.Int64
}

// NewBudget returns a budget with the given ceiling and minimum sample.
func NewBudget(ceiling float64, minSample int64) *Budget {
	return &Budget{Ceiling: ceiling, MinSample: minSample}
}

// Row records one processed data row.
func (b *Budget) Row() {
	b.processed.Add(1)
}

// Reject records a rejection and returns a *syncerr.SchemaError once the
// ceiling is exceeded over at least MinSample rows.
func (b *Budget) Reject() error {
	rejected := b.rejected.Add(1)
	processed := b.processed.Load()
	if processed >= b.MinSample && exceeds(rejected, processed, b.Ceiling) {
		return b.err(rejected, processed)
	}
	return nil
}

// Check enforces the ceiling over everything counted so far. Call it once
// the stream is exhausted.
func (b *Budget) Check() error {
	rejected, processed := b.rejected.Load(), b.processed.Load()
	if processed > 0 && exceeds(rejected, processed, b.Ceiling) {
		return b.err(rejected, processed)
	}
	return nil
}

// Processed returns the number of data rows seen.
func (b *Budget) Processed() int64 { return b.processed.Load() }

// Rejected returns the number of rows rejected.
func (b *Budget) Rejected() int64 { return b.rejected.Load() }

func (b *Budget) err(rejected, processed int64) error {
	return &syncerr.SchemaError{
		Rejected: rejected,
		Total:    processed,
		Err:      eris.Errorf("rejection rate exceeds ceiling %.4f", b.Ceiling),
	}
}

func exceeds(rejected, processed int64, ceiling float64) bool {
	return float64(rejected) > ceiling*float64(processed)
}
