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

	"github.com/sells-group/ingest-cli/internal/config"
)

// AlertType identifies which threshold was crossed.
type AlertType string

const (
	AlertFailedVersions AlertType = "failed_versions"
	AlertQueueDepth     AlertType = "queue_depth"
	AlertStaleLeases    AlertType = "stale_leases"
)

// Alert is one threshold violation.
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Value     int       `json:"value"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter evaluates snapshots against configured thresholds and posts
// violations to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an alerter from monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks a snapshot against every threshold. A threshold of zero
// disables its check.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.FailedThreshold > 0 && snap.FailedVersions() >= a.cfg.FailedThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertFailedVersions,
			Message:   fmt.Sprintf("%d document versions are in failed status", snap.FailedVersions()),
			Value:     snap.FailedVersions(),
			Threshold: a.cfg.FailedThreshold,
			Timestamp: now,
		})
	}
	if a.cfg.QueueDepthThreshold > 0 && snap.QueueDepth() >= a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertQueueDepth,
			Message:   fmt.Sprintf("%d jobs queued, consumers are falling behind", snap.QueueDepth()),
			Value:     snap.QueueDepth(),
			Threshold: a.cfg.QueueDepthThreshold,
			Timestamp: now,
		})
	}
	if a.cfg.StaleLeaseThreshold > 0 && snap.ExpiredLeases >= a.cfg.StaleLeaseThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertStaleLeases,
			Message:   fmt.Sprintf("%d claims hold expired leases", snap.ExpiredLeases),
			Value:     snap.ExpiredLeases,
			Threshold: a.cfg.StaleLeaseThreshold,
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the configured webhook and returns how many
// were delivered. Without a webhook URL alerts are logged only.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		log.Warn("alert triggered",
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
			zap.Int("value", alert.Value),
			zap.Int("threshold", alert.Threshold),
		)
		if a.cfg.WebhookURL == "" {
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			log.Error("webhook delivery failed",
				zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
	}
	return nil
}
