package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/config"
)

// Checker periodically evaluates sync health. An alert is sent when its
// condition first appears and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// active holds alert types raised by the previous check.
	active map[AlertType]bool
}

// NewChecker creates a background sync health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]bool),
	}
}

// Run checks once immediately, then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	if ctx.Err() != nil {
		return
	}
	log.Info("starting sync health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	c.check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("sync health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect run metrics", zap.Error(err))
		return
	}

	raised := c.alerter.Evaluate(snap)
	fresh := c.transition(raised, log)
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("active", len(c.active)))
		return
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
		zap.Int("consecutive_failures", snap.ConsecutiveFailures),
	)
}

// transition records the raised set and returns the alerts that were not
// active in the previous check.
func (c *Checker) transition(raised []Alert, log *zap.Logger) []Alert {
	next := make(map[AlertType]bool, len(raised))
	var fresh []Alert
	for _, a := range raised {
		next[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.active {
		if !next[t] {
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.active = next
	return fresh
}
