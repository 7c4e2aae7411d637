package model

import (
	"time"
)

// JobType identifies the handler for a broker job. The persisted values are a
// stable external surface.
type JobType string

const (
	JobTypeProcessDocumentVersion JobType = "process_document_version"
	JobTypeFactExtract            JobType = "fact_extract"
	JobTypeMultilevelExtract      JobType = "multilevel_extract"
	JobTypeMultilevelExtractBatch JobType = "multilevel_extract_batch"
	JobTypeUpgradeExtractionLevel JobType = "upgrade_extraction_level"
	JobTypeQualityCheck           JobType = "quality_check"
	JobTypeEmbed                  JobType = "embed"
	JobTypeIngest                 JobType = "ingest"
)

// JobStatus is the broker-side lifecycle of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusStarted   JobStatus = "started"
	JobStatusFinished  JobStatus = "finished"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing edge.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed || s == JobStatusCancelled
}

// JobPriority selects the broker lane. High drains strictly before low.
type JobPriority string

const (
	PriorityHigh JobPriority = "high"
	PriorityLow  JobPriority = "low"
)

// PipelineJob is one unit dispatched through the broker. Bookkeeping fields
// are owned by the broker; status is mutated only by the executing consumer.
type PipelineJob struct {
	ID              string            `json:"id"`
	Type            JobType           `json:"type"`
	Priority        JobPriority       `json:"priority"`
	Status          JobStatus         `json:"status"`
	Payload         []byte            `json:"payload,omitempty"`
	Progress        int               `json:"progress"` // 0-100
	ProgressMessage string            `json:"progress_message,omitempty"`
	Result          []byte            `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"max_attempts"`

	ClaimedBy    string     `json:"claimed_by,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
