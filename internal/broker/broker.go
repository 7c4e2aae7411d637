// Package broker implements the job queue on top of the store's two-lane
// job table: a Broker for submitting and controlling jobs, a Consumer that
// claims and executes them under visibility leases, and the pipeline job
// handlers. Delivery is at-least-once; every handler calls idempotent
// operations.
package broker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

var knownTypes = map[model.JobType]bool{
	model.JobTypeProcessDocumentVersion: true,
	model.JobTypeFactExtract:            true,
	model.JobTypeMultilevelExtract:      true,
	model.JobTypeMultilevelExtractBatch: true,
	model.JobTypeUpgradeExtractionLevel: true,
	model.JobTypeQualityCheck:           true,
	model.JobTypeEmbed:                  true,
	model.JobTypeIngest:                 true,
}

// Broker submits jobs and exposes their lifecycle.
type Broker struct {
	store       store.JobStore
	maxAttempts int
}

// New creates a broker. maxAttempts bounds retries per job.
func New(st store.JobStore, maxAttempts int) *Broker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Broker{store: st, maxAttempts: maxAttempts}
}

// Enqueue submits a job. payload is JSON-marshalled; an empty priority lands
// in the low lane.
func (b *Broker) Enqueue(ctx context.Context, jobType model.JobType, priority model.JobPriority, payload any) (*model.PipelineJob, error) {
	if !knownTypes[jobType] {
		return nil, eris.Errorf("broker: unknown job type %q", jobType)
	}
	if priority == "" {
		priority = model.PriorityLow
	}
	if priority != model.PriorityHigh && priority != model.PriorityLow {
		return nil, eris.Errorf("broker: unknown priority %q", priority)
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, eris.Wrap(err, "broker: marshal payload")
		}
	}

	job := &model.PipelineJob{
		ID:          uuid.NewString(),
		Type:        jobType,
		Priority:    priority,
		Status:      model.JobStatusQueued,
		Payload:     body,
		MaxAttempts: b.maxAttempts,
	}
	if err := b.store.EnqueueJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "broker: enqueue %s", jobType)
	}

	zap.L().Info("broker: job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(jobType)),
		zap.String("priority", string(priority)),
	)
	return job, nil
}

// Job returns the current state of a job.
func (b *Broker) Job(ctx context.Context, id string) (*model.PipelineJob, error) {
	job, err := b.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "broker: job %s", id)
	}
	return job, nil
}

// List returns jobs matching the filter.
func (b *Broker) List(ctx context.Context, filter store.JobFilter) ([]model.PipelineJob, error) {
	jobs, err := b.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "broker: list jobs")
	}
	return jobs, nil
}

// Cancel marks a queued or started job cancelled. A started job's handler
// observes the cancellation cooperatively between steps.
func (b *Broker) Cancel(ctx context.Context, id string) error {
	if err := b.store.CancelJob(ctx, id); err != nil {
		return eris.Wrapf(err, "broker: cancel job %s", id)
	}
	zap.L().Info("broker: job cancelled", zap.String("job_id", id))
	return nil
}
