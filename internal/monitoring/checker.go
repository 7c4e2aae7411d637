package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
)

// Checker evaluates alert rules against pipeline counters on a fixed cadence.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
}

// NewChecker creates a background alert checker. A missing or non-positive
// interval falls back to one minute.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
	}
}

// Run blocks until ctx is cancelled. The first evaluation happens
// immediately so a worker that crashes on startup pages right away instead
// of one interval later.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker running", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CheckOnce(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.CheckOnce(ctx, log)
		}
	}
}

// CheckOnce collects a snapshot, evaluates the alert rules against it, and
// dispatches whatever fires. Collection failures are logged, not fatal; the
// next tick retries.
func (c *Checker) CheckOnce(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("metrics collection failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Warn("alerts fired",
		zap.Int("triggered", len(alerts)),
		zap.Int("delivered", sent),
	)
}
