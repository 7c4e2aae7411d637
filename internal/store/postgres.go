package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/db"
	"github.com/sells-group/ingest-cli/internal/model"
)

// PostgresStore implements Store using pgxpool. Row claims use
// FOR UPDATE SKIP LOCKED so N workers can poll the same tables without a
// separate lock service.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (bulk span inserts).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_versions (
	id                TEXT PRIMARY KEY,
	document_id       TEXT NOT NULL REFERENCES documents(id),
	content_hash      TEXT NOT NULL DEFAULT '',
	storage_locator   TEXT NOT NULL DEFAULT '',
	size_bytes        BIGINT NOT NULL DEFAULT 0,
	upload_status     TEXT NOT NULL DEFAULT 'pending',
	processing_status TEXT NOT NULL DEFAULT 'pending',
	error             TEXT NOT NULL DEFAULT '',
	failed_from       TEXT NOT NULL DEFAULT '',
	retriable         BOOLEAN NOT NULL DEFAULT false,
	claimed_by        TEXT NOT NULL DEFAULT '',
	lease_expires     TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_versions_document ON document_versions(document_id);
CREATE INDEX IF NOT EXISTS idx_versions_status ON document_versions(processing_status);
CREATE INDEX IF NOT EXISTS idx_versions_hash ON document_versions(content_hash);
CREATE INDEX IF NOT EXISTS idx_versions_created ON document_versions(created_at);

CREATE TABLE IF NOT EXISTS spans (
	id         TEXT PRIMARY KEY,
	version_id TEXT NOT NULL REFERENCES document_versions(id),
	ordinal    INTEGER NOT NULL,
	start_byte INTEGER NOT NULL,
	end_byte   INTEGER NOT NULL,
	text       TEXT NOT NULL,
	section    TEXT NOT NULL DEFAULT '',
	embedding  JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (version_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_spans_version ON spans(version_id);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id              TEXT PRIMARY KEY,
	version_id      TEXT NOT NULL REFERENCES document_versions(id),
	profile         TEXT NOT NULL,
	level           TEXT NOT NULL,
	process_context TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	fact_ids        JSONB,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one non-failed run per idempotency key; racing creations lose here.
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_live_key
	ON extraction_runs(version_id, profile, level, process_context)
	WHERE status != 'failed';

CREATE TABLE IF NOT EXISTS facts (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES extraction_runs(id),
	version_id  TEXT NOT NULL REFERENCES document_versions(id),
	span_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL,
	predicate   TEXT NOT NULL,
	statement   TEXT NOT NULL,
	value       DOUBLE PRECISION,
	unit        TEXT NOT NULL DEFAULT '',
	scope_start TIMESTAMPTZ,
	scope_end   TIMESTAMPTZ,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	reliability DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_facts_version ON facts(version_id);
CREATE INDEX IF NOT EXISTS idx_facts_run ON facts(run_id);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	priority         TEXT NOT NULL DEFAULT 'low',
	status           TEXT NOT NULL DEFAULT 'queued',
	payload          BYTEA,
	progress         INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	result           BYTEA,
	error            TEXT NOT NULL DEFAULT '',
	metadata         JSONB,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_expires    TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, priority, created_at);

CREATE TABLE IF NOT EXISTS quality_conflicts (
	id           TEXT PRIMARY KEY,
	version_id   TEXT NOT NULL REFERENCES document_versions(id),
	scope        TEXT NOT NULL,
	semantic_key TEXT NOT NULL,
	fact_ids     JSONB NOT NULL,
	severity     TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conflicts_version ON quality_conflicts(version_id, scope);

CREATE TABLE IF NOT EXISTS quality_questions (
	id         TEXT PRIMARY KEY,
	version_id TEXT NOT NULL REFERENCES document_versions(id),
	scope      TEXT NOT NULL,
	fact_id    TEXT NOT NULL,
	category   TEXT NOT NULL,
	missing    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_questions_version ON quality_questions(version_id, scope);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Documents / versions ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, source, kind, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		doc.ID, doc.Title, doc.Source, string(doc.Kind), now, now,
	)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, source, kind, created_at, updated_at FROM documents WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.Title, &d.Source, &kind, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	d.Kind = model.DocumentKind(kind)
	return &d, nil
}

const versionColumns = `id, document_id, content_hash, storage_locator, size_bytes,
	upload_status, processing_status, error, failed_from, retriable,
	claimed_by, lease_expires, created_at, updated_at`

func (s *PostgresStore) CreateVersion(ctx context.Context, v *model.DocumentVersion) error {
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.UploadStatus == "" {
		v.UploadStatus = model.UploadStatusPending
	}
	if v.ProcessingStatus == "" {
		v.ProcessingStatus = model.ProcessingStatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_versions
		 (id, document_id, content_hash, storage_locator, size_bytes, upload_status, processing_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.DocumentID, v.ContentHash, v.StorageLocator, v.SizeBytes,
		string(v.UploadStatus), string(v.ProcessingStatus), now, now,
	)
	return eris.Wrap(err, "postgres: insert version")
}

func scanVersion(row pgx.Row) (*model.DocumentVersion, error) {
	var v model.DocumentVersion
	var upload, processing, failedFrom string
	err := row.Scan(&v.ID, &v.DocumentID, &v.ContentHash, &v.StorageLocator, &v.SizeBytes,
		&upload, &processing, &v.Error, &failedFrom, &v.Retriable,
		&v.ClaimedBy, &v.LeaseExpires, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.UploadStatus = model.UploadStatus(upload)
	v.ProcessingStatus = model.ProcessingStatus(processing)
	v.FailedFrom = model.ProcessingStatus(failedFrom)
	return &v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*model.DocumentVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "version %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get version %s", id)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, filter VersionFilter) ([]model.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.DocumentID != "" {
		query += fmt.Sprintf(` AND document_id = $%d`, argIdx)
		args = append(args, filter.DocumentID)
		argIdx++
	}
	if filter.ProcessingStatus != "" {
		query += fmt.Sprintf(` AND processing_status = $%d`, argIdx)
		args = append(args, string(filter.ProcessingStatus))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list versions")
	}
	defer rows.Close()

	var versions []model.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list versions iterate")
}

func (s *PostgresStore) FinishUpload(ctx context.Context, versionID, hash, locator string, size int64, st model.UploadStatus) error {
	// content_hash is immutable once set: only rows still pending upload
	// (hash empty) accept the write.
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_versions
		 SET content_hash = $1, storage_locator = $2, size_bytes = $3, upload_status = $4, updated_at = now()
		 WHERE id = $5 AND upload_status = 'pending'`,
		hash, locator, size, string(st), versionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish upload %s", versionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "version %s upload already finished", versionID)
	}
	return nil
}

func (s *PostgresStore) UpdateVersionStatus(ctx context.Context, versionID string, from, to model.ProcessingStatus, errMsg string) error {
	// failed_from keeps the pre-failure status so a retriable version can be
	// revived at its resume point.
	var tag pgconn.CommandTag
	var err error
	if to == model.ProcessingStatusFailed {
		tag, err = s.pool.Exec(ctx,
			`UPDATE document_versions
			 SET processing_status = $1, error = $2, failed_from = $3, updated_at = now()
			 WHERE id = $4 AND processing_status = $3`,
			string(to), errMsg, string(from), versionID,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE document_versions
			 SET processing_status = $1, error = '', updated_at = now()
			 WHERE id = $2 AND processing_status = $3`,
			string(to), versionID, string(from),
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update version status %s", versionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "version %s: expected %s", versionID, from)
	}
	return nil
}

func (s *PostgresStore) MarkRetriable(ctx context.Context, versionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_versions SET retriable = true, updated_at = now()
		 WHERE id = $1 AND processing_status = 'failed'`,
		versionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark retriable %s", versionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "version %s is not failed", versionID)
	}
	return nil
}

func (s *PostgresStore) ReviveVersion(ctx context.Context, versionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_versions
		 SET processing_status = failed_from, failed_from = '', retriable = false, updated_at = now()
		 WHERE id = $1 AND processing_status = 'failed' AND retriable AND failed_from != ''`,
		versionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: revive version %s", versionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "version %s is not revivable", versionID)
	}
	return nil
}

// processedStatuses are the statuses at or beyond extracted, i.e. versions
// whose expensive work a duplicate may reuse.
const processedStatuses = `('extracted', 'spans_built', 'embedded', 'facts_extracted', 'quality_checked')`

func (s *PostgresStore) FindDuplicate(ctx context.Context, hash, excludeID string) (*model.DocumentVersion, error) {
	if hash == "" {
		return nil, nil
	}
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE content_hash = $1 AND id != $2 AND processing_status IN `+processedStatuses+`
		 ORDER BY CASE processing_status
			WHEN 'quality_checked' THEN 0
			WHEN 'facts_extracted' THEN 1
			WHEN 'embedded' THEN 2
			WHEN 'spans_built' THEN 3
			ELSE 4 END, created_at ASC
		 LIMIT 1`,
		hash, excludeID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find duplicate")
	}
	return v, nil
}

func (s *PostgresStore) ClaimVersions(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.DocumentVersion, error) {
	if limit <= 0 {
		limit = 1
	}
	leaseExpires := time.Now().UTC().Add(lease)

	rows, err := s.pool.Query(ctx,
		`UPDATE document_versions
		 SET claimed_by = $1, lease_expires = $2, updated_at = now()
		 WHERE id IN (
			SELECT id FROM document_versions
			WHERE upload_status = 'uploaded'
			  AND (processing_status IN ('pending', 'uploaded')
			       OR (processing_status = 'failed' AND retriable))
			  AND (claimed_by = '' OR lease_expires IS NULL OR lease_expires < now())
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+versionColumns,
		workerID, leaseExpires, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim versions")
	}
	defer rows.Close()

	var claimed []model.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimed version")
		}
		claimed = append(claimed, *v)
	}
	return claimed, eris.Wrap(rows.Err(), "postgres: claim versions iterate")
}

func (s *PostgresStore) RenewLease(ctx context.Context, versionID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_versions SET lease_expires = $1, updated_at = now()
		 WHERE id = $2 AND claimed_by = $3 AND lease_expires > now()`,
		time.Now().UTC().Add(lease), versionID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: renew lease %s", versionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrClaimExpired, "version %s worker %s", versionID, workerID)
	}
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, versionID, workerID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE document_versions SET claimed_by = '', lease_expires = NULL, updated_at = now()
		 WHERE id = $1 AND claimed_by = $2`,
		versionID, workerID,
	)
	return eris.Wrapf(err, "postgres: release claim %s", versionID)
}

// --- Spans ---

// copyThreshold is the span count above which inserts switch to COPY.
const copyThreshold = 50

func (s *PostgresStore) CreateSpans(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	now := time.Now().UTC()

	if len(spans) >= copyThreshold {
		rows := make([][]any, 0, len(spans))
		for i := range spans {
			sp := &spans[i]
			if sp.CreatedAt.IsZero() {
				sp.CreatedAt = now
			}
			emb, err := marshalEmbedding(sp.Embedding)
			if err != nil {
				return err
			}
			rows = append(rows, []any{sp.ID, sp.VersionID, sp.Ordinal, sp.StartByte, sp.EndByte, sp.Text, sp.Section, emb, sp.CreatedAt})
		}
		_, err := db.CopyFrom(ctx, s.pool, "spans",
			[]string{"id", "version_id", "ordinal", "start_byte", "end_byte", "text", "section", "embedding", "created_at"},
			rows,
		)
		return eris.Wrap(err, "postgres: copy spans")
	}

	for i := range spans {
		sp := &spans[i]
		if sp.CreatedAt.IsZero() {
			sp.CreatedAt = now
		}
		emb, err := marshalEmbedding(sp.Embedding)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO spans (id, version_id, ordinal, start_byte, end_byte, text, section, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sp.ID, sp.VersionID, sp.Ordinal, sp.StartByte, sp.EndByte, sp.Text, sp.Section, emb, sp.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert span %s", sp.ID)
		}
	}
	return nil
}

func (s *PostgresStore) ListSpans(ctx context.Context, versionID string) ([]model.Span, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, version_id, ordinal, start_byte, end_byte, text, section, embedding, created_at
		 FROM spans WHERE version_id = $1 ORDER BY ordinal ASC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list spans")
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var sp model.Span
		var emb []byte
		if err := rows.Scan(&sp.ID, &sp.VersionID, &sp.Ordinal, &sp.StartByte, &sp.EndByte, &sp.Text, &sp.Section, &emb, &sp.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan span")
		}
		if err := unmarshalEmbedding(emb, &sp.Embedding); err != nil {
			return nil, err
		}
		spans = append(spans, sp)
	}
	return spans, eris.Wrap(rows.Err(), "postgres: list spans iterate")
}

func (s *PostgresStore) UpdateSpanEmbedding(ctx context.Context, spanID string, embedding []float32) error {
	emb, err := marshalEmbedding(embedding)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE spans SET embedding = $1 WHERE id = $2`,
		emb, spanID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update span embedding %s", spanID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "span %s", spanID)
	}
	return nil
}

func marshalEmbedding(embedding []float32) ([]byte, error) {
	if embedding == nil {
		return nil, nil
	}
	data, err := json.Marshal(embedding)
	return data, eris.Wrap(err, "marshal embedding")
}

func unmarshalEmbedding(data []byte, out *[]float32) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, out), "unmarshal embedding")
}

// --- Extraction runs ---

const runColumns = `id, version_id, profile, level, process_context, status, fact_ids, error, created_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.FactExtractionRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_runs (id, version_id, profile, level, process_context, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Key.VersionID, run.Key.Profile, run.Key.Level, run.Key.ProcessContext,
		string(run.Status), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicateRun, "key %s", run.Key)
		}
		return eris.Wrap(err, "postgres: insert run")
	}
	return nil
}

func scanRun(row pgx.Row) (*model.FactExtractionRun, error) {
	var r model.FactExtractionRun
	var st string
	var factIDs []byte
	err := row.Scan(&r.ID, &r.Key.VersionID, &r.Key.Profile, &r.Key.Level, &r.Key.ProcessContext,
		&st, &factIDs, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(st)
	if len(factIDs) > 0 {
		if err := json.Unmarshal(factIDs, &r.FactIDs); err != nil {
			return nil, eris.Wrap(err, "unmarshal run fact ids")
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRunByKey(ctx context.Context, key model.RunKey) (*model.FactExtractionRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM extraction_runs
		 WHERE version_id = $1 AND profile = $2 AND level = $3 AND process_context = $4 AND status != 'failed'`,
		key.VersionID, key.Profile, key.Level, key.ProcessContext,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run by key %s", key)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, factIDs []string, errMsg string) error {
	var idsJSON []byte
	if factIDs != nil {
		var err error
		idsJSON, err = json.Marshal(factIDs)
		if err != nil {
			return eris.Wrap(err, "marshal run fact ids")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs
		 SET status = $1, fact_ids = COALESCE($2, fact_ids), error = $3, updated_at = now()
		 WHERE id = $4 AND status = $5`,
		string(to), idsJSON, errMsg, runID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "run %s: expected %s", runID, from)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, versionID string) ([]model.FactExtractionRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM extraction_runs WHERE version_id = $1 ORDER BY created_at ASC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.FactExtractionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Facts ---

const factColumns = `id, run_id, version_id, span_id, kind, subject, predicate, statement,
	value, unit, scope_start, scope_end, confidence, reliability, created_at`

func (s *PostgresStore) CreateFacts(ctx context.Context, facts []model.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	now := time.Now().UTC()

	for i := range facts {
		f := &facts[i]
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO facts (id, run_id, version_id, span_id, kind, subject, predicate, statement,
			 value, unit, scope_start, scope_end, confidence, reliability, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			f.ID, f.RunID, f.VersionID, f.SpanID, string(f.Kind), f.Subject, f.Predicate, f.Statement,
			f.Value, f.Unit, f.TimeScope.Start, f.TimeScope.End, f.Confidence, f.Reliability, f.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert fact %s", f.ID)
		}
	}
	return nil
}

func scanFact(row pgx.Row) (*model.Fact, error) {
	var f model.Fact
	var kind string
	err := row.Scan(&f.ID, &f.RunID, &f.VersionID, &f.SpanID, &kind, &f.Subject, &f.Predicate, &f.Statement,
		&f.Value, &f.Unit, &f.TimeScope.Start, &f.TimeScope.End, &f.Confidence, &f.Reliability, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Kind = model.FactKind(kind)
	return &f, nil
}

func (s *PostgresStore) listFacts(ctx context.Context, where string, arg any) ([]model.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts WHERE `+where+` = $1 ORDER BY created_at ASC`,
		arg,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facts")
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		facts = append(facts, *f)
	}
	return facts, eris.Wrap(rows.Err(), "postgres: list facts iterate")
}

func (s *PostgresStore) ListFacts(ctx context.Context, versionID string) ([]model.Fact, error) {
	return s.listFacts(ctx, "version_id", versionID)
}

func (s *PostgresStore) ListFactsByRun(ctx context.Context, runID string) ([]model.Fact, error) {
	return s.listFacts(ctx, "run_id", runID)
}

// --- Jobs ---

const jobColumns = `id, type, priority, status, payload, progress, progress_message, result, error,
	metadata, attempts, max_attempts, claimed_by, lease_expires, created_at, started_at, ended_at`

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.PipelineJob) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.Priority == "" {
		job.Priority = model.PriorityLow
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}

	var metaJSON []byte
	if job.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(job.Metadata)
		if err != nil {
			return eris.Wrap(err, "marshal job metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, priority, status, payload, metadata, max_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, string(job.Type), string(job.Priority), string(job.Status),
		job.Payload, metaJSON, job.MaxAttempts, now,
	)
	return eris.Wrap(err, "postgres: enqueue job")
}

func scanJob(row pgx.Row) (*model.PipelineJob, error) {
	var j model.PipelineJob
	var typ, prio, st string
	var metaJSON []byte
	err := row.Scan(&j.ID, &typ, &prio, &st, &j.Payload, &j.Progress, &j.ProgressMessage, &j.Result, &j.Error,
		&metaJSON, &j.Attempts, &j.MaxAttempts, &j.ClaimedBy, &j.LeaseExpires, &j.CreatedAt, &j.StartedAt, &j.EndedAt)
	if err != nil {
		return nil, err
	}
	j.Type = model.JobType(typ)
	j.Priority = model.JobPriority(prio)
	j.Status = model.JobStatus(st)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &j.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal job metadata")
		}
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.PipelineJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.PipelineJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*model.PipelineJob, error) {
	leaseExpires := time.Now().UTC().Add(lease)

	// Ready = queued and visible, or started with an expired lease (crashed
	// consumer). High lane strictly before low.
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'started', claimed_by = $1, lease_expires = $2,
		     attempts = attempts + 1, started_at = COALESCE(started_at, now())
		 WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'queued' AND (lease_expires IS NULL OR lease_expires < now()))
			   OR (status = 'started' AND lease_expires < now())
			ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		workerID, leaseExpires,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return j, nil
}

func (s *PostgresStore) RenewJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET lease_expires = $1
		 WHERE id = $2 AND claimed_by = $3 AND status = 'started' AND lease_expires > now()`,
		time.Now().UTC().Add(lease), jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: renew job lease %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrClaimExpired, "job %s worker %s", jobID, workerID)
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1, progress_message = $2 WHERE id = $3 AND status = 'started'`,
		progress, message, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "job %s is not started", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'finished', progress = 100, result = $1, claimed_by = '', ended_at = now()
		 WHERE id = $2 AND status = 'started'`,
		result, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "job %s is not started", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, errMsg string, retryDelay time.Duration) error {
	// Under the bound: requeue, invisible until the retry delay passes.
	// At the bound: permanent failure surfaced to the caller.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			error = $1,
			claimed_by = '',
			lease_expires = CASE WHEN attempts >= max_attempts THEN NULL ELSE $2 END,
			ended_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END
		 WHERE id = $3 AND status = 'started'`,
		errMsg, time.Now().UTC().Add(retryDelay), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "job %s is not started", jobID)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', ended_at = now()
		 WHERE id = $1 AND status IN ('queued', 'started')`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "job %s is already terminal", jobID)
	}
	return nil
}

// --- Quality ---

func (s *PostgresStore) ReplaceQuality(ctx context.Context, versionID, scope string, conflicts []model.QualityConflict, questions []model.QualityOpenQuestion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin quality tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM quality_conflicts WHERE version_id = $1 AND scope = $2`, versionID, scope,
	); err != nil {
		return eris.Wrap(err, "postgres: delete prior conflicts")
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM quality_questions WHERE version_id = $1 AND scope = $2`, versionID, scope,
	); err != nil {
		return eris.Wrap(err, "postgres: delete prior questions")
	}

	now := time.Now().UTC()
	for i := range conflicts {
		c := &conflicts[i]
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		idsJSON, err := json.Marshal(c.FactIDs)
		if err != nil {
			return eris.Wrap(err, "marshal conflict fact ids")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO quality_conflicts (id, version_id, scope, semantic_key, fact_ids, severity, score, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.VersionID, c.Scope, c.SemanticKey, idsJSON, string(c.Severity), c.Score, c.Detail, c.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert conflict %s", c.ID)
		}
	}
	for i := range questions {
		q := &questions[i]
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO quality_questions (id, version_id, scope, fact_id, category, missing, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			q.ID, q.VersionID, q.Scope, q.FactID, string(q.Category), q.Missing, q.Detail, q.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert question %s", q.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit quality tx")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, versionID string) ([]model.QualityConflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, version_id, scope, semantic_key, fact_ids, severity, score, detail, created_at
		 FROM quality_conflicts WHERE version_id = $1 ORDER BY score DESC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var conflicts []model.QualityConflict
	for rows.Next() {
		var c model.QualityConflict
		var sev string
		var idsJSON []byte
		if err := rows.Scan(&c.ID, &c.VersionID, &c.Scope, &c.SemanticKey, &idsJSON, &sev, &c.Score, &c.Detail, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		c.Severity = model.ConflictSeverity(sev)
		if err := json.Unmarshal(idsJSON, &c.FactIDs); err != nil {
			return nil, eris.Wrap(err, "unmarshal conflict fact ids")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

func (s *PostgresStore) ListOpenQuestions(ctx context.Context, versionID string) ([]model.QualityOpenQuestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, version_id, scope, fact_id, category, missing, detail, created_at
		 FROM quality_questions WHERE version_id = $1 ORDER BY created_at ASC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list questions")
	}
	defer rows.Close()

	var questions []model.QualityOpenQuestion
	for rows.Next() {
		var q model.QualityOpenQuestion
		var cat string
		if err := rows.Scan(&q.ID, &q.VersionID, &q.Scope, &q.FactID, &cat, &q.Missing, &q.Detail, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan question")
		}
		q.Category = model.QuestionCategory(cat)
		questions = append(questions, q)
	}
	return questions, eris.Wrap(rows.Err(), "postgres: list questions iterate")
}

// --- Metrics ---

func (s *PostgresStore) CountVersionsByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT processing_status, COUNT(*) FROM document_versions GROUP BY processing_status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count versions")
	}
	defer rows.Close()

	counts := make(map[model.ProcessingStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan version count")
		}
		counts[model.ProcessingStatus(st)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count versions iterate")
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobStatus(st)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

func (s *PostgresStore) CountExpiredLeases(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_versions WHERE claimed_by != '' AND lease_expires < now()`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count expired leases")
}

var _ Store = (*PostgresStore)(nil)
