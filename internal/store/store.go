// Package store defines the persistence surface for the ingestion pipeline
// and its two backends: Postgres (pgx) for deployments and SQLite for
// single-node or test use. The atomic claim statements in both backends are
// the only mutual-exclusion mechanism the workers rely on.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Sentinel errors shared by both backends. Callers match with eris.Is.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = eris.New("not found")

	// ErrDuplicateRun is returned when creating an extraction run whose
	// idempotency key already has a non-failed run. Not a failure: the
	// orchestrator reports it as an empty create-set.
	ErrDuplicateRun = eris.New("duplicate extraction run")

	// ErrClaimExpired is returned when renewing or committing under a claim
	// that has lapsed or was taken over by another worker.
	ErrClaimExpired = eris.New("claim expired")

	// ErrStatusConflict is returned when a compare-and-set status update
	// observes a different current status than expected.
	ErrStatusConflict = eris.New("status changed concurrently")
)

// VersionFilter selects document versions for listing.
type VersionFilter struct {
	DocumentID       string
	ProcessingStatus model.ProcessingStatus
	Limit            int
	Offset           int
}

// JobFilter selects broker jobs for listing.
type JobFilter struct {
	Type   model.JobType
	Status model.JobStatus
	Limit  int
	Offset int
}

// DocumentStore persists documents and their versions, including the claim
// fields the polling worker relies on.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)

	CreateVersion(ctx context.Context, v *model.DocumentVersion) error
	GetVersion(ctx context.Context, id string) (*model.DocumentVersion, error)
	ListVersions(ctx context.Context, filter VersionFilter) ([]model.DocumentVersion, error)

	// FinishUpload records stored bytes: hash, locator, size, and the
	// upload_status outcome, in one statement. The content hash is
	// immutable afterwards.
	FinishUpload(ctx context.Context, versionID, hash, locator string, size int64, st model.UploadStatus) error

	// UpdateVersionStatus is a compare-and-set on processing_status. It
	// returns ErrStatusConflict if the row's current status is not `from`,
	// which is how a double-run across processes fails fast.
	UpdateVersionStatus(ctx context.Context, versionID string, from, to model.ProcessingStatus, errMsg string) error

	// MarkRetriable makes a failed version eligible for claiming again.
	MarkRetriable(ctx context.Context, versionID string) error

	// ReviveVersion returns a failed retriable version to the status it held
	// before the failure, so digestion resumes at the first unmet stage
	// instead of re-running committed stages.
	ReviveVersion(ctx context.Context, versionID string) error

	// FindDuplicate returns the furthest-processed version (excluding
	// excludeID) with the same content hash at or beyond extracted, or nil.
	FindDuplicate(ctx context.Context, hash, excludeID string) (*model.DocumentVersion, error)

	// ClaimVersions atomically claims up to limit work-eligible versions for
	// workerID with the given lease, oldest first, skipping live claims.
	ClaimVersions(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.DocumentVersion, error)

	// RenewLease extends workerID's claim. ErrClaimExpired if the claim is
	// no longer held.
	RenewLease(ctx context.Context, versionID, workerID string, lease time.Duration) error

	// ReleaseClaim drops workerID's claim. Releasing a claim another worker
	// now holds is a no-op.
	ReleaseClaim(ctx context.Context, versionID, workerID string) error
}

// SpanStore persists spans and their embeddings.
type SpanStore interface {
	CreateSpans(ctx context.Context, spans []model.Span) error
	ListSpans(ctx context.Context, versionID string) ([]model.Span, error)
	UpdateSpanEmbedding(ctx context.Context, spanID string, embedding []float32) error
}

// FactStore persists extracted facts. Facts are insert-only.
type FactStore interface {
	CreateFacts(ctx context.Context, facts []model.Fact) error
	ListFacts(ctx context.Context, versionID string) ([]model.Fact, error)
	ListFactsByRun(ctx context.Context, runID string) ([]model.Fact, error)
}

// RunStore persists fact-extraction runs keyed by their idempotency key.
type RunStore interface {
	// CreateRun inserts a pending run. ErrDuplicateRun if a non-failed run
	// already exists for the key (enforced by a uniqueness constraint, so a
	// racing creation fails fast rather than duplicating work).
	CreateRun(ctx context.Context, run *model.FactExtractionRun) error

	// GetRunByKey returns the current non-failed run for the key, or nil.
	GetRunByKey(ctx context.Context, key model.RunKey) (*model.FactExtractionRun, error)

	// UpdateRunStatus is a compare-and-set transition for a run.
	UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, factIDs []string, errMsg string) error

	ListRuns(ctx context.Context, versionID string) ([]model.FactExtractionRun, error)
}

// JobStore is the broker's queue: two priority lanes over one table, with
// per-job visibility leases.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *model.PipelineJob) error
	GetJob(ctx context.Context, id string) (*model.PipelineJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.PipelineJob, error)

	// ClaimJob atomically claims the next ready job (high lane strictly
	// before low), marking it started and incrementing attempts. Returns
	// nil, nil when no job is ready.
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*model.PipelineJob, error)

	RenewJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error
	CompleteJob(ctx context.Context, jobID string, result []byte) error

	// FailJob records a handler failure. If attempts have reached the bound
	// the job is permanently failed; otherwise it is requeued, invisible for
	// retryDelay.
	FailJob(ctx context.Context, jobID, errMsg string, retryDelay time.Duration) error

	// CancelJob marks a queued or started job cancelled. The executing
	// handler observes this cooperatively between steps.
	CancelJob(ctx context.Context, jobID string) error
}

// QualityStore persists analyzer output. Reruns replace, never append.
type QualityStore interface {
	// ReplaceQuality swaps the conflict/question rows for (version, scope)
	// in one transaction.
	ReplaceQuality(ctx context.Context, versionID, scope string, conflicts []model.QualityConflict, questions []model.QualityOpenQuestion) error
	ListConflicts(ctx context.Context, versionID string) ([]model.QualityConflict, error)
	ListOpenQuestions(ctx context.Context, versionID string) ([]model.QualityOpenQuestion, error)
}

// Metrics exposes the counters the monitoring collector samples.
type Metrics interface {
	CountVersionsByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error)
	CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	CountExpiredLeases(ctx context.Context) (int, error)
}

// Store is the full persistence interface implemented by both backends.
type Store interface {
	DocumentStore
	SpanStore
	FactStore
	RunStore
	JobStore
	QualityStore
	Metrics

	Migrate(ctx context.Context) error
	Close() error
}
