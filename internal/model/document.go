package model

import (
	"time"
)

// UploadStatus tracks whether a version's raw bytes made it into storage.
type UploadStatus string

const (
	UploadStatusPending  UploadStatus = "pending"
	UploadStatusUploaded UploadStatus = "uploaded"
	UploadStatusFailed   UploadStatus = "failed"
)

// ProcessingStatus is the canonical per-version pipeline lifecycle state.
// The persisted values are a stable external surface; never rename them.
type ProcessingStatus string

const (
	ProcessingStatusPending        ProcessingStatus = "pending"
	ProcessingStatusUploaded       ProcessingStatus = "uploaded"
	ProcessingStatusExtracted      ProcessingStatus = "extracted"
	ProcessingStatusSpansBuilt     ProcessingStatus = "spans_built"
	ProcessingStatusEmbedded       ProcessingStatus = "embedded"
	ProcessingStatusFactsExtracted ProcessingStatus = "facts_extracted"
	ProcessingStatusQualityChecked ProcessingStatus = "quality_checked"
	ProcessingStatusFailed         ProcessingStatus = "failed"
)

// DocumentKind selects the content extractor for a version.
type DocumentKind string

const (
	DocumentKindPDF         DocumentKind = "pdf"
	DocumentKindHTML        DocumentKind = "html"
	DocumentKindMarkdown    DocumentKind = "markdown"
	DocumentKindText        DocumentKind = "text"
	DocumentKindSpreadsheet DocumentKind = "spreadsheet"
)

// Document is the logical document; its content lives in versions.
type Document struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Source    string       `json:"source,omitempty"`
	Kind      DocumentKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DocumentVersion is one physical upload of a document's content and the
// unit of pipeline processing. Versions are never deleted; a retry of a
// terminally failed version is a new version row.
type DocumentVersion struct {
	ID               string           `json:"id"`
	DocumentID       string           `json:"document_id"`
	ContentHash      string           `json:"content_hash,omitempty"` // immutable once set
	StorageLocator   string           `json:"storage_locator,omitempty"`
	SizeBytes        int64            `json:"size_bytes"`
	UploadStatus     UploadStatus     `json:"upload_status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	Error            string           `json:"error,omitempty"`
	FailedFrom       ProcessingStatus `json:"failed_from,omitempty"` // status held when the version moved to failed
	Retriable        bool             `json:"retriable,omitempty"`   // failed version explicitly re-eligible for claim

	// Claim bookkeeping, owned by the polling worker.
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claimed reports whether the version holds a live (unexpired) claim.
func (v *DocumentVersion) Claimed(now time.Time) bool {
	return v.ClaimedBy != "" && v.LeaseExpires != nil && v.LeaseExpires.After(now)
}

// StageName identifies one digestion stage.
type StageName string

const (
	StageExtract StageName = "extract"
	StageSpans   StageName = "spans"
	StageEmbed   StageName = "embed"
	StageFacts   StageName = "facts"
	StageQuality StageName = "quality"
)

// StageOutcome holds what a single stage produced.
type StageOutcome struct {
	Name     StageName      `json:"name"`
	Duration int64          `json:"duration_ms"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DigestResult is the final outcome of one digest attempt for a version.
type DigestResult struct {
	VersionID    string           `json:"version_id"`
	FinalStatus  ProcessingStatus `json:"final_status"`
	StagesRun    []StageOutcome   `json:"stages_run"`
	Deduplicated bool             `json:"deduplicated,omitempty"`
	DuplicateOf  string           `json:"duplicate_of,omitempty"`
	Error        string           `json:"error,omitempty"`
}
