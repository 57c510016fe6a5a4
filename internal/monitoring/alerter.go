package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncFailureRate AlertType = "sync_failure_rate"
	AlertSyncFailing     AlertType = "sync_failing"
	AlertSyncStale       AlertType = "sync_stale"
	AlertRejectRate      AlertType = "sync_reject_rate"
)

// minFinished is the number of finished runs needed before the failure rate
// is evaluated.
const minFinished = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= minFinished && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSyncFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Sync failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxConsecutiveFailures > 0 && snap.ConsecutiveFailures >= a.cfg.MaxConsecutiveFailures {
		alerts = append(alerts, Alert{
			Type:     AlertSyncFailing,
			Severity: "high",
			Message: fmt.Sprintf("%d consecutive sync runs failed (last error kind %q)",
				snap.ConsecutiveFailures, snap.LastErrorKind),
			Details: map[string]any{
				"consecutive_failures": snap.ConsecutiveFailures,
				"error_kind":           snap.LastErrorKind,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxSuccessAgeHours > 0 {
		maxAge := time.Duration(a.cfg.MaxSuccessAgeHours) * time.Hour
		switch {
		case snap.LastSuccessAt == nil:
			alerts = append(alerts, Alert{
				Type:      AlertSyncStale,
				Severity:  "medium",
				Message:   "No successful sync on record",
				Timestamp: now,
			})
		case now.Sub(*snap.LastSuccessAt) > maxAge:
			age := now.Sub(*snap.LastSuccessAt).Round(time.Minute)
			alerts = append(alerts, Alert{
				Type:     AlertSyncStale,
				Severity: "medium",
				Message:  fmt.Sprintf("Last successful sync was %s ago (limit %dh)", age, a.cfg.MaxSuccessAgeHours),
				Details: map[string]any{
					"last_success_at": snap.LastSuccessAt,
					"age_hours":       age.Hours(),
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.RejectRateThreshold > 0 && snap.LastRejectRate > a.cfg.RejectRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRejectRate,
			Severity: "low",
			Message: fmt.Sprintf("Last successful sync rejected %.2f%% of rows (threshold %.2f%%)",
				snap.LastRejectRate*100, a.cfg.RejectRateThreshold*100),
			Details: map[string]any{
				"reject_rate": snap.LastRejectRate,
				"threshold":   a.cfg.RejectRateThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
