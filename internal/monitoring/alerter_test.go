package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

func testThresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailedThreshold:     5,
		QueueDepthThreshold: 100,
		StaleLeaseThreshold: 3,
	}
}

func snapshotWith(failed, queued, expired int) *Snapshot {
	return &Snapshot{
		Versions:      map[model.ProcessingStatus]int{model.ProcessingStatusFailed: failed},
		Jobs:          map[model.JobStatus]int{model.JobStatusQueued: queued},
		ExpiredLeases: expired,
	}
}

func TestAlerter_EvaluateBelowThresholds(t *testing.T) {
	a := NewAlerter(testThresholds())
	alerts := a.Evaluate(snapshotWith(4, 99, 2))
	assert.Empty(t, alerts)
}

func TestAlerter_EvaluateAllThresholdsCrossed(t *testing.T) {
	a := NewAlerter(testThresholds())
	alerts := a.Evaluate(snapshotWith(5, 250, 3))
	require.Len(t, alerts, 3)

	byType := map[AlertType]Alert{}
	for _, alert := range alerts {
		byType[alert.Type] = alert
	}
	assert.Equal(t, 5, byType[AlertFailedVersions].Value)
	assert.Equal(t, 5, byType[AlertFailedVersions].Threshold)
	assert.Equal(t, 250, byType[AlertQueueDepth].Value)
	assert.Equal(t, 3, byType[AlertStaleLeases].Value)
	assert.Contains(t, byType[AlertQueueDepth].Message, "250 jobs queued")
}

func TestAlerter_ZeroThresholdDisablesCheck(t *testing.T) {
	cfg := testThresholds()
	cfg.FailedThreshold = 0
	a := NewAlerter(cfg)

	alerts := a.Evaluate(snapshotWith(1000, 0, 0))
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlertsPostsJSON(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		mu.Lock()
		received = append(received, alert)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testThresholds()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	alerts := a.Evaluate(snapshotWith(9, 0, 0))
	require.Len(t, alerts, 1)

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 1, sent)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, AlertFailedVersions, received[0].Type)
	assert.Equal(t, 9, received[0].Value)
}

func TestAlerter_SendAlertsCountsFailedDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testThresholds()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), a.Evaluate(snapshotWith(9, 0, 0)))
	assert.Equal(t, 0, sent)
}

func TestAlerter_NoWebhookLogsOnly(t *testing.T) {
	a := NewAlerter(testThresholds())
	sent := a.SendAlerts(context.Background(), a.Evaluate(snapshotWith(9, 0, 0)))
	assert.Equal(t, 0, sent)
}
