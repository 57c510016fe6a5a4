package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/config"
	"github.com/sells-group/plansync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeRuns struct {
	runs  []model.SyncRun
	err   error
	calls atomic.Int32
}

func (f *fakeRuns) List(_ context.Context, limit int) ([]model.SyncRun, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func run(status model.RunStatus, ago time.Duration) model.SyncRun {
	started := now.Add(-ago)
	r := model.SyncRun{ID: started.Format(time.RFC3339), Status: status, StartedAt: started}
	if status != model.RunStatusRunning {
		done := started.Add(20 * time.Minute)
		r.CompletedAt = &done
	}
	return r
}

func newCollector(runs *fakeRuns) *Collector {
	c := NewCollector(runs)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newCollector(&fakeRuns{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Nil(t, snap.LastSuccessAt)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_Metrics(t *testing.T) {
	ok := run(model.RunStatusComplete, 30*time.Hour)
	ok.RowsProcessed = 1000
	ok.RowsRejected = 25

	failed1 := run(model.RunStatusFailed, 2*time.Hour)
	failed1.ErrorKind = "fetch"
	failed2 := run(model.RunStatusFailed, 10*time.Hour)
	failed2.ErrorKind = "schema"

	runs := &fakeRuns{runs: []model.SyncRun{
		run(model.RunStatusRunning, time.Minute),
		failed1,
		failed2,
		ok,
		run(model.RunStatusFailed, 50*time.Hour),
		run(model.RunStatusComplete, 100*time.Hour),
	}}

	snap, err := newCollector(runs).Collect(context.Background(), 48)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 2.0/3.0, snap.FailRate, 1e-9)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "fetch", snap.LastErrorKind)
	require.NotNil(t, snap.LastSuccessAt)
	assert.Equal(t, *ok.CompletedAt, *snap.LastSuccessAt)
	assert.InDelta(t, 0.025, snap.LastRejectRate, 1e-9)
}

func TestCollector_ListError(t *testing.T) {
	_, err := newCollector(&fakeRuns{err: errors.New("db down")}).Collect(context.Background(), 24)
	assert.Error(t, err)
}

func baseConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:   0.5,
		MaxConsecutiveFailures: 2,
		MaxSuccessAgeHours:     48,
		RejectRateThreshold:    0.01,
	}
}

func healthy() *MetricsSnapshot {
	last := now.Add(-3 * time.Hour)
	return &MetricsSnapshot{
		RunsTotal:      4,
		RunsComplete:   4,
		LastSuccessAt:  &last,
		LastRejectRate: 0.001,
		LookbackHours:  168,
		CollectedAt:    now,
	}
}

func alertTypes(alerts []Alert) []AlertType {
	out := make([]AlertType, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MetricsSnapshot)
		want   []AlertType
	}{
		{"healthy", func(*MetricsSnapshot) {}, []AlertType{}},
		{"failure rate", func(s *MetricsSnapshot) {
			s.RunsComplete, s.RunsFailed, s.FailRate = 1, 3, 0.75
		}, []AlertType{AlertSyncFailureRate}},
		{"failure rate needs enough runs", func(s *MetricsSnapshot) {
			s.RunsComplete, s.RunsFailed, s.FailRate = 0, 2, 1.0
		}, []AlertType{}},
		{"consecutive failures", func(s *MetricsSnapshot) {
			s.ConsecutiveFailures, s.LastErrorKind = 2, "write"
		}, []AlertType{AlertSyncFailing}},
		{"stale success", func(s *MetricsSnapshot) {
			old := now.Add(-72 * time.Hour)
			s.LastSuccessAt = &old
		}, []AlertType{AlertSyncStale}},
		{"never succeeded", func(s *MetricsSnapshot) {
			s.LastSuccessAt = nil
		}, []AlertType{AlertSyncStale}},
		{"reject rate", func(s *MetricsSnapshot) {
			s.LastRejectRate = 0.04
		}, []AlertType{AlertRejectRate}},
	}
	a := NewAlerter(baseConfig())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snap := healthy()
			tc.mutate(snap)
			assert.Equal(t, tc.want, alertTypes(a.Evaluate(snap)))
		})
	}
}

func TestAlerter_Evaluate_DisabledChecks(t *testing.T) {
	snap := healthy()
	snap.LastSuccessAt = nil
	snap.ConsecutiveFailures = 10
	snap.LastRejectRate = 0.9

	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1})
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = append(received, a)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	alerts := []Alert{
		{Type: AlertSyncFailing, Severity: "high", Message: "two failed", Timestamp: now},
		{Type: AlertSyncStale, Severity: "medium", Message: "stale", Timestamp: now},
	}
	assert.Equal(t, 2, a.SendAlerts(context.Background(), alerts))
	require.Len(t, received, 2)
	assert.Equal(t, AlertSyncFailing, received[0].Type)
	assert.Equal(t, "stale", received[1].Message)
}

func TestAlerter_SendAlerts_NoURLOrAlerts(t *testing.T) {
	a := NewAlerter(baseConfig())
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertSyncStale}}))

	cfg := baseConfig()
	cfg.WebhookURL = "http://127.0.0.1:1"
	assert.Zero(t, NewAlerter(cfg).SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.WebhookURL = srv.URL
	assert.Zero(t, NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertSyncStale}}))
}

func TestChecker_ChecksImmediatelyAndStops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.WebhookURL = srv.URL
	cfg.CheckIntervalSecs = 3600
	cfg.LookbackWindowHours = 24

	runs := &fakeRuns{}
	checker := NewChecker(newCollector(runs), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
	assert.Equal(t, int32(1), runs.calls.Load())
}

func TestChecker_CancelledBeforeStart(t *testing.T) {
	runs := &fakeRuns{}
	checker := NewChecker(NewCollector(runs), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
	assert.Zero(t, runs.calls.Load())
}

func TestChecker_SendsOnlyNewAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.WebhookURL = srv.URL
	runs := &fakeRuns{}
	checker := NewChecker(newCollector(runs), NewAlerter(cfg), cfg)
	log := zap.NewNop()
	ctx := context.Background()

	// Never succeeded: stale alert raised once.
	checker.check(ctx, log)
	checker.check(ctx, log)
	assert.Equal(t, int32(1), hits.Load())

	// A success clears it.
	runs.runs = []model.SyncRun{run(model.RunStatusComplete, time.Hour)}
	checker.check(ctx, log)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, checker.active)

	// Two failures on top raise the streak and rate alerts.
	runs.runs = append([]model.SyncRun{
		run(model.RunStatusFailed, 10*time.Minute),
		run(model.RunStatusFailed, 30*time.Minute),
	}, runs.runs...)
	checker.check(ctx, log)
	assert.Equal(t, int32(3), hits.Load())
	assert.True(t, checker.active[AlertSyncFailing])
	assert.True(t, checker.active[AlertSyncFailureRate])
}
