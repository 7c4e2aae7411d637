package status

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
)

var allStatuses = []model.ProcessingStatus{
	model.ProcessingStatusPending,
	model.ProcessingStatusUploaded,
	model.ProcessingStatusExtracted,
	model.ProcessingStatusSpansBuilt,
	model.ProcessingStatusEmbedded,
	model.ProcessingStatusFactsExtracted,
	model.ProcessingStatusQualityChecked,
	model.ProcessingStatusFailed,
}

func TestCanTransition_ForwardSequence(t *testing.T) {
	forward := []struct{ from, to model.ProcessingStatus }{
		{model.ProcessingStatusPending, model.ProcessingStatusUploaded},
		{model.ProcessingStatusUploaded, model.ProcessingStatusExtracted},
		{model.ProcessingStatusExtracted, model.ProcessingStatusSpansBuilt},
		{model.ProcessingStatusSpansBuilt, model.ProcessingStatusEmbedded},
		{model.ProcessingStatusEmbedded, model.ProcessingStatusFactsExtracted},
		{model.ProcessingStatusFactsExtracted, model.ProcessingStatusQualityChecked},
	}
	for _, tc := range forward {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCanTransition_NoSkipsOrRegressions(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if !CanTransition(from, to) {
				continue
			}
			if to == model.ProcessingStatusFailed {
				assert.False(t, Terminal(from), "failed reachable from terminal %s", from)
				continue
			}
			// Every other legal edge must be exactly one step forward.
			assert.Equal(t, Rank(from)+1, Rank(to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_FailedReachableFromAnyNonTerminal(t *testing.T) {
	for _, from := range allStatuses {
		want := !Terminal(from)
		assert.Equal(t, want, CanTransition(from, model.ProcessingStatusFailed), "from %s", from)
	}
}

func TestCanTransition_FailedIsTerminal(t *testing.T) {
	for _, to := range allStatuses {
		assert.False(t, CanTransition(model.ProcessingStatusFailed, to), "failed -> %s", to)
	}
}

func TestCanTransition_SelfLoopRejected(t *testing.T) {
	for _, s := range allStatuses {
		assert.False(t, CanTransition(s, s), "self loop %s", s)
	}
}

func TestAdvance_LegalEdge(t *testing.T) {
	v := &model.DocumentVersion{ID: "v1", ProcessingStatus: model.ProcessingStatusUploaded}
	require.NoError(t, Advance(v, model.ProcessingStatusExtracted))
	assert.Equal(t, model.ProcessingStatusExtracted, v.ProcessingStatus)
	assert.False(t, v.UpdatedAt.IsZero())
}

func TestAdvance_IllegalEdge(t *testing.T) {
	v := &model.DocumentVersion{ID: "v1", ProcessingStatus: model.ProcessingStatusPending}
	err := Advance(v, model.ProcessingStatusEmbedded)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	// Version untouched on rejection.
	assert.Equal(t, model.ProcessingStatusPending, v.ProcessingStatus)
}

func TestRank_Ordering(t *testing.T) {
	assert.Equal(t, 0, Rank(model.ProcessingStatusPending))
	assert.Equal(t, 6, Rank(model.ProcessingStatusQualityChecked))
	assert.Equal(t, -1, Rank(model.ProcessingStatusFailed))
	assert.Equal(t, -1, Rank(model.ProcessingStatus("bogus")))
	assert.Less(t, Rank(model.ProcessingStatusExtracted), Rank(model.ProcessingStatusEmbedded))
}

func TestNextStatus(t *testing.T) {
	next, ok := NextStatus(model.ProcessingStatusPending)
	require.True(t, ok)
	assert.Equal(t, model.ProcessingStatusUploaded, next)

	_, ok = NextStatus(model.ProcessingStatusQualityChecked)
	assert.False(t, ok)
	_, ok = NextStatus(model.ProcessingStatusFailed)
	assert.False(t, ok)
}

func TestCanUpload(t *testing.T) {
	assert.True(t, CanUpload(model.UploadStatusPending, model.UploadStatusUploaded))
	assert.True(t, CanUpload(model.UploadStatusPending, model.UploadStatusFailed))
	assert.False(t, CanUpload(model.UploadStatusUploaded, model.UploadStatusFailed))
	assert.False(t, CanUpload(model.UploadStatusFailed, model.UploadStatusUploaded))
}
