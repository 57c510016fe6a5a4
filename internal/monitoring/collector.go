package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plansync/internal/model"
)

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// ConsecutiveFailures counts failed runs since the latest success.
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastRejectRate      float64    `json:"last_reject_rate"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister reads recent runs, newest first.
type RunLister interface {
	List(ctx context.Context, limit int) ([]model.SyncRun, error)
}

// historyLimit bounds how far back the collector reads.
const historyLimit = 200

// Collector gathers metrics from the run log.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.List(ctx, historyLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	seenSuccess := false
	for _, r := range runs {
		if !seenSuccess {
			switch r.Status {
			case model.RunStatusComplete:
				seenSuccess = true
				at := r.StartedAt
				if r.CompletedAt != nil {
					at = *r.CompletedAt
				}
				snap.LastSuccessAt = &at
				if r.RowsProcessed > 0 {
					snap.LastRejectRate = float64(r.RowsRejected) / float64(r.RowsProcessed)
				}
			case model.RunStatusFailed:
				snap.ConsecutiveFailures++
				if snap.LastErrorKind == "" {
					snap.LastErrorKind = r.ErrorKind
				}
			}
		}

		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
