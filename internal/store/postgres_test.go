package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetVersion_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM document_versions WHERE id = \$1`).
		WithArgs("missing-id").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetVersion(context.Background(), "missing-id")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateVersionStatus_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE document_versions`).
		WithArgs("extracted", "v1", "uploaded").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateVersionStatus(context.Background(), "v1",
		model.ProcessingStatusUploaded, model.ProcessingStatusExtracted, "")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStatusConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateVersionStatus_FailureRecordsOrigin(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Moving to failed stores the origin status in failed_from.
	mock.ExpectExec(`(?s)UPDATE document_versions.+failed_from = \$3`).
		WithArgs("failed", "embedder unavailable", "extracted", "v1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateVersionStatus(context.Background(), "v1",
		model.ProcessingStatusExtracted, model.ProcessingStatusFailed, "embedder unavailable")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishUpload_AlreadyFinished(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)UPDATE document_versions.+upload_status = 'pending'`).
		WithArgs("abc123", "file://v1", int64(64), "uploaded", "v1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishUpload(context.Background(), "v1", "abc123", "file://v1", 64, model.UploadStatusUploaded)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStatusConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO extraction_runs`).
		WithArgs(pgxmock.AnyArg(), "v1", "finance", "standard", "digest",
			"pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_runs_live_key"})

	run := &model.FactExtractionRun{
		ID:  "run-1",
		Key: model.RunKey{VersionID: "v1", Profile: "finance", Level: "standard", ProcessContext: "digest"},
	}
	err := s.CreateRun(context.Background(), run)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDuplicateRun))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDuplicate_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM document_versions.+content_hash = \$1`).
		WithArgs("deadbeef", "v-self").
		WillReturnError(pgx.ErrNoRows)

	dup, err := s.FindDuplicate(context.Background(), "deadbeef", "v-self")
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDuplicate_EmptyHashSkipsQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	dup, err := s.FindDuplicate(context.Background(), "", "v1")
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_EmptyQueue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)UPDATE jobs.+FOR UPDATE SKIP LOCKED`).
		WithArgs("consumer-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	j, err := s.ClaimJob(context.Background(), "consumer-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RenewLease_Expired(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE document_versions SET lease_expires`).
		WithArgs(pgxmock.AnyArg(), "v1", "worker-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RenewLease(context.Background(), "v1", "worker-a", time.Minute)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrClaimExpired))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CancelJob_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'cancelled'`).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CancelJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStatusConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceQuality_Transactional(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM quality_conflicts`).
		WithArgs("v1", "finance").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM quality_questions`).
		WithArgs("v1", "finance").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO quality_conflicts`).
		WithArgs("c1", "v1", "finance", "revenue|2025", pgxmock.AnyArg(), "high", 0.9, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	conflicts := []model.QualityConflict{{
		ID: "c1", VersionID: "v1", Scope: "finance", SemanticKey: "revenue|2025",
		FactIDs: []string{"f1", "f2"}, Severity: model.SeverityHigh, Score: 0.9,
	}}
	err := s.ReplaceQuality(context.Background(), "v1", "finance", conflicts, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
