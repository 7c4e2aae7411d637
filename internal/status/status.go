// Package status implements the per-version lifecycle state machine. It is
// the single gate every stage completion passes through: a stage can neither
// skip forward nor silently re-run because Advance rejects any edge outside
// the fixed forward sequence.
package status

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

// ErrInvalidTransition marks a state-machine contract violation. It is a
// programming error: callers log it and fail loudly, never swallow it.
var ErrInvalidTransition = eris.New("invalid status transition")

// sequence is the fixed forward order of processing statuses.
var sequence = []model.ProcessingStatus{
	model.ProcessingStatusPending,
	model.ProcessingStatusUploaded,
	model.ProcessingStatusExtracted,
	model.ProcessingStatusSpansBuilt,
	model.ProcessingStatusEmbedded,
	model.ProcessingStatusFactsExtracted,
	model.ProcessingStatusQualityChecked,
}

var rank = func() map[model.ProcessingStatus]int {
	m := make(map[model.ProcessingStatus]int, len(sequence))
	for i, s := range sequence {
		m[s] = i
	}
	return m
}()

// Rank returns the position of s in the forward sequence, or -1 for failed
// and unknown statuses. Useful for "at or beyond" comparisons.
func Rank(s model.ProcessingStatus) int {
	r, ok := rank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s model.ProcessingStatus) bool {
	return s == model.ProcessingStatusFailed || s == model.ProcessingStatusQualityChecked
}

// CanTransition reports whether from -> to is a legal edge: the next status
// in the forward sequence, or failed from any non-terminal state.
func CanTransition(from, to model.ProcessingStatus) bool {
	if from == to {
		return false
	}
	if to == model.ProcessingStatusFailed {
		return !Terminal(from)
	}
	fr, ok := rank[from]
	if !ok {
		return false // failed has no outgoing edge except version recreation
	}
	tr, ok := rank[to]
	if !ok {
		return false
	}
	return tr == fr+1
}

// Advance mutates the version to the target status after validating the edge.
// It is the only place processing_status is allowed to change.
func Advance(v *model.DocumentVersion, to model.ProcessingStatus) error {
	if !CanTransition(v.ProcessingStatus, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s (version %s)", v.ProcessingStatus, to, v.ID)
	}
	v.ProcessingStatus = to
	v.UpdatedAt = time.Now().UTC()
	return nil
}

// CanUpload reports whether the upload_status edge from -> to is legal.
// Uploads only move pending -> uploaded or pending -> failed.
func CanUpload(from, to model.UploadStatus) bool {
	if from != model.UploadStatusPending {
		return false
	}
	return to == model.UploadStatusUploaded || to == model.UploadStatusFailed
}

// NextStatus returns the status following s in the forward sequence. The
// second return is false for the last status, failed, or unknown values.
func NextStatus(s model.ProcessingStatus) (model.ProcessingStatus, bool) {
	r, ok := rank[s]
	if !ok || r+1 >= len(sequence) {
		return "", false
	}
	return sequence[r+1], true
}
