// Package monitoring samples pipeline counters and raises webhook alerts
// when thresholds are crossed.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Snapshot is one sample of pipeline health.
type Snapshot struct {
	Versions      map[model.ProcessingStatus]int `json:"versions"`
	Jobs          map[model.JobStatus]int        `json:"jobs"`
	ExpiredLeases int                            `json:"expired_leases"`
	CollectedAt   time.Time                      `json:"collected_at"`
}

// FailedVersions returns the number of versions parked in failed.
func (s *Snapshot) FailedVersions() int {
	return s.Versions[model.ProcessingStatusFailed]
}

// QueueDepth returns the number of jobs waiting to be claimed.
func (s *Snapshot) QueueDepth() int {
	return s.Jobs[model.JobStatusQueued]
}

// Collector samples the store's counters.
type Collector struct {
	store store.Metrics
}

// NewCollector creates a collector over the given store.
func NewCollector(st store.Metrics) *Collector {
	return &Collector{store: st}
}

// Collect takes one snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	versions, err := c.store.CountVersionsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count versions")
	}
	jobs, err := c.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	expired, err := c.store.CountExpiredLeases(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count expired leases")
	}
	return &Snapshot{
		Versions:      versions,
		Jobs:          jobs,
		ExpiredLeases: expired,
		CollectedAt:   time.Now().UTC(),
	}, nil
}
