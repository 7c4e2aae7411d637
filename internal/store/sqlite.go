package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ingest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Claims use the same
// single-statement UPDATE ... WHERE id IN (SELECT ...) RETURNING shape as the
// Postgres backend; SQLite's writer lock makes each statement atomic without
// SKIP LOCKED.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id                TEXT PRIMARY KEY,
	document_id       TEXT NOT NULL REFERENCES documents(id),
	content_hash      TEXT NOT NULL DEFAULT '',
	storage_locator   TEXT NOT NULL DEFAULT '',
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	upload_status     TEXT NOT NULL DEFAULT 'pending',
	processing_status TEXT NOT NULL DEFAULT 'pending',
	error             TEXT NOT NULL DEFAULT '',
	failed_from       TEXT NOT NULL DEFAULT '',
	retriable         INTEGER NOT NULL DEFAULT 0,
	claimed_by        TEXT NOT NULL DEFAULT '',
	lease_expires     DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
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
	embedding  TEXT,
	created_at DATETIME NOT NULL,
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
	fact_ids        TEXT,
	error           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

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
	value       REAL,
	unit        TEXT NOT NULL DEFAULT '',
	scope_start DATETIME,
	scope_end   DATETIME,
	confidence  REAL NOT NULL DEFAULT 0,
	reliability REAL NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_version ON facts(version_id);
CREATE INDEX IF NOT EXISTS idx_facts_run ON facts(run_id);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	priority         TEXT NOT NULL DEFAULT 'low',
	status           TEXT NOT NULL DEFAULT 'queued',
	payload          BLOB,
	progress         INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	result           BLOB,
	error            TEXT NOT NULL DEFAULT '',
	metadata         TEXT,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_expires    DATETIME,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	ended_at         DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, priority, created_at);

CREATE TABLE IF NOT EXISTS quality_conflicts (
	id           TEXT PRIMARY KEY,
	version_id   TEXT NOT NULL REFERENCES document_versions(id),
	scope        TEXT NOT NULL,
	semantic_key TEXT NOT NULL,
	fact_ids     TEXT NOT NULL,
	severity     TEXT NOT NULL,
	score        REAL NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
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
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_questions_version ON quality_questions(version_id, scope);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, sentinel error, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(sentinel, format, args...)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Documents / versions ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, source, kind, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Source, string(doc.Kind), now, now,
	)
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, kind, created_at, updated_at FROM documents WHERE id = ?`,
		id,
	).Scan(&d.ID, &d.Title, &d.Source, &kind, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	d.Kind = model.DocumentKind(kind)
	return &d, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) CreateVersion(ctx context.Context, v *model.DocumentVersion) error {
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.UploadStatus == "" {
		v.UploadStatus = model.UploadStatusPending
	}
	if v.ProcessingStatus == "" {
		v.ProcessingStatus = model.ProcessingStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_versions
		 (id, document_id, content_hash, storage_locator, size_bytes, upload_status, processing_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DocumentID, v.ContentHash, v.StorageLocator, v.SizeBytes,
		string(v.UploadStatus), string(v.ProcessingStatus), now, now,
	)
	return eris.Wrap(err, "sqlite: insert version")
}

func scanSQLiteVersion(row rowScanner) (*model.DocumentVersion, error) {
	var v model.DocumentVersion
	var upload, processing, failedFrom string
	var lease sql.NullTime
	err := row.Scan(&v.ID, &v.DocumentID, &v.ContentHash, &v.StorageLocator, &v.SizeBytes,
		&upload, &processing, &v.Error, &failedFrom, &v.Retriable,
		&v.ClaimedBy, &lease, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.UploadStatus = model.UploadStatus(upload)
	v.ProcessingStatus = model.ProcessingStatus(processing)
	v.FailedFrom = model.ProcessingStatus(failedFrom)
	if lease.Valid {
		t := lease.Time
		v.LeaseExpires = &t
	}
	return &v, nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*model.DocumentVersion, error) {
	v, err := scanSQLiteVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "version %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get version %s", id)
	}
	return v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, filter VersionFilter) ([]model.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE 1=1`
	var args []any

	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if filter.ProcessingStatus != "" {
		query += ` AND processing_status = ?`
		args = append(args, string(filter.ProcessingStatus))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close()

	var versions []model.DocumentVersion
	for rows.Next() {
		v, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list versions iterate")
}

func (s *SQLiteStore) FinishUpload(ctx context.Context, versionID, hash, locator string, size int64, st model.UploadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_versions
		 SET content_hash = ?, storage_locator = ?, size_bytes = ?, upload_status = ?, updated_at = ?
		 WHERE id = ? AND upload_status = 'pending'`,
		hash, locator, size, string(st), time.Now().UTC(), versionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish upload %s", versionID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "version %s upload already finished", versionID)
}

func (s *SQLiteStore) UpdateVersionStatus(ctx context.Context, versionID string, from, to model.ProcessingStatus, errMsg string) error {
	var res sql.Result
	var err error
	if to == model.ProcessingStatusFailed {
		res, err = s.db.ExecContext(ctx,
			`UPDATE document_versions
			 SET processing_status = ?, error = ?, failed_from = ?, updated_at = ?
			 WHERE id = ? AND processing_status = ?`,
			string(to), errMsg, string(from), time.Now().UTC(), versionID, string(from),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE document_versions
			 SET processing_status = ?, error = '', updated_at = ?
			 WHERE id = ? AND processing_status = ?`,
			string(to), time.Now().UTC(), versionID, string(from),
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update version status %s", versionID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "version %s: expected %s", versionID, from)
}

func (s *SQLiteStore) MarkRetriable(ctx context.Context, versionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_versions SET retriable = 1, updated_at = ?
		 WHERE id = ? AND processing_status = 'failed'`,
		time.Now().UTC(), versionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark retriable %s", versionID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "version %s is not failed", versionID)
}

func (s *SQLiteStore) ReviveVersion(ctx context.Context, versionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_versions
		 SET processing_status = failed_from, failed_from = '', retriable = 0, updated_at = ?
		 WHERE id = ? AND processing_status = 'failed' AND retriable AND failed_from != ''`,
		time.Now().UTC(), versionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: revive version %s", versionID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "version %s is not revivable", versionID)
}

func (s *SQLiteStore) FindDuplicate(ctx context.Context, hash, excludeID string) (*model.DocumentVersion, error) {
	if hash == "" {
		return nil, nil
	}
	v, err := scanSQLiteVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE content_hash = ? AND id != ? AND processing_status IN `+processedStatuses+`
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find duplicate")
	}
	return v, nil
}

func (s *SQLiteStore) ClaimVersions(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.DocumentVersion, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`UPDATE document_versions
		 SET claimed_by = ?, lease_expires = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM document_versions
			WHERE upload_status = 'uploaded'
			  AND (processing_status IN ('pending', 'uploaded')
			       OR (processing_status = 'failed' AND retriable))
			  AND (claimed_by = '' OR lease_expires IS NULL OR lease_expires < ?)
			ORDER BY created_at ASC
			LIMIT ?
		 )
		 RETURNING `+versionColumns,
		workerID, now.Add(lease), now, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim versions")
	}
	defer rows.Close()

	var claimed []model.DocumentVersion
	for rows.Next() {
		v, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claimed version")
		}
		claimed = append(claimed, *v)
	}
	return claimed, eris.Wrap(rows.Err(), "sqlite: claim versions iterate")
}

func (s *SQLiteStore) RenewLease(ctx context.Context, versionID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_versions SET lease_expires = ?, updated_at = ?
		 WHERE id = ? AND claimed_by = ? AND lease_expires > ?`,
		now.Add(lease), now, versionID, workerID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: renew lease %s", versionID)
	}
	return checkRowsAffected(res, ErrClaimExpired, "version %s worker %s", versionID, workerID)
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, versionID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE document_versions SET claimed_by = '', lease_expires = NULL, updated_at = ?
		 WHERE id = ? AND claimed_by = ?`,
		time.Now().UTC(), versionID, workerID,
	)
	return eris.Wrapf(err, "sqlite: release claim %s", versionID)
}

// --- Spans ---

func (s *SQLiteStore) CreateSpans(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin spans tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range spans {
		sp := &spans[i]
		if sp.CreatedAt.IsZero() {
			sp.CreatedAt = now
		}
		var emb any
		if sp.Embedding != nil {
			data, err := json.Marshal(sp.Embedding)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal embedding")
			}
			emb = string(data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO spans (id, version_id, ordinal, start_byte, end_byte, text, section, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.VersionID, sp.Ordinal, sp.StartByte, sp.EndByte, sp.Text, sp.Section, emb, sp.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert span %s", sp.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit spans tx")
}

func (s *SQLiteStore) ListSpans(ctx context.Context, versionID string) ([]model.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version_id, ordinal, start_byte, end_byte, text, section, embedding, created_at
		 FROM spans WHERE version_id = ? ORDER BY ordinal ASC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list spans")
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var sp model.Span
		var emb sql.NullString
		if err := rows.Scan(&sp.ID, &sp.VersionID, &sp.Ordinal, &sp.StartByte, &sp.EndByte, &sp.Text, &sp.Section, &emb, &sp.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan span")
		}
		if emb.Valid && emb.String != "" {
			if err := json.Unmarshal([]byte(emb.String), &sp.Embedding); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
			}
		}
		spans = append(spans, sp)
	}
	return spans, eris.Wrap(rows.Err(), "sqlite: list spans iterate")
}

func (s *SQLiteStore) UpdateSpanEmbedding(ctx context.Context, spanID string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE spans SET embedding = ? WHERE id = ?`,
		string(data), spanID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update span embedding %s", spanID)
	}
	return checkRowsAffected(res, ErrNotFound, "span %s", spanID)
}

// --- Extraction runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.FactExtractionRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (id, version_id, profile, level, process_context, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Key.VersionID, run.Key.Profile, run.Key.Level, run.Key.ProcessContext,
		string(run.Status), now, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicateRun, "key %s", run.Key)
		}
		return eris.Wrap(err, "sqlite: insert run")
	}
	return nil
}

func scanSQLiteRun(row rowScanner) (*model.FactExtractionRun, error) {
	var r model.FactExtractionRun
	var st string
	var factIDs sql.NullString
	err := row.Scan(&r.ID, &r.Key.VersionID, &r.Key.Profile, &r.Key.Level, &r.Key.ProcessContext,
		&st, &factIDs, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(st)
	if factIDs.Valid && factIDs.String != "" {
		if err := json.Unmarshal([]byte(factIDs.String), &r.FactIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run fact ids")
		}
	}
	return &r, nil
}

func (s *SQLiteStore) GetRunByKey(ctx context.Context, key model.RunKey) (*model.FactExtractionRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM extraction_runs
		 WHERE version_id = ? AND profile = ? AND level = ? AND process_context = ? AND status != 'failed'`,
		key.VersionID, key.Profile, key.Level, key.ProcessContext,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run by key %s", key)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, factIDs []string, errMsg string) error {
	var idsJSON any
	if factIDs != nil {
		data, err := json.Marshal(factIDs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run fact ids")
		}
		idsJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs
		 SET status = ?, fact_ids = COALESCE(?, fact_ids), error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), idsJSON, errMsg, time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "run %s: expected %s", runID, from)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, versionID string) ([]model.FactExtractionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM extraction_runs WHERE version_id = ? ORDER BY created_at ASC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.FactExtractionRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Facts ---

func (s *SQLiteStore) CreateFacts(ctx context.Context, facts []model.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin facts tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range facts {
		f := &facts[i]
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, run_id, version_id, span_id, kind, subject, predicate, statement,
			 value, unit, scope_start, scope_end, confidence, reliability, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.RunID, f.VersionID, f.SpanID, string(f.Kind), f.Subject, f.Predicate, f.Statement,
			f.Value, f.Unit, f.TimeScope.Start, f.TimeScope.End, f.Confidence, f.Reliability, f.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert fact %s", f.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit facts tx")
}

func (s *SQLiteStore) listFacts(ctx context.Context, where string, arg any) ([]model.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE `+where+` = ? ORDER BY created_at ASC`,
		arg,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facts")
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var f model.Fact
		var kind string
		var scopeStart, scopeEnd sql.NullTime
		if err := rows.Scan(&f.ID, &f.RunID, &f.VersionID, &f.SpanID, &kind, &f.Subject, &f.Predicate, &f.Statement,
			&f.Value, &f.Unit, &scopeStart, &scopeEnd, &f.Confidence, &f.Reliability, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		f.Kind = model.FactKind(kind)
		if scopeStart.Valid {
			t := scopeStart.Time
			f.TimeScope.Start = &t
		}
		if scopeEnd.Valid {
			t := scopeEnd.Time
			f.TimeScope.End = &t
		}
		facts = append(facts, f)
	}
	return facts, eris.Wrap(rows.Err(), "sqlite: list facts iterate")
}

func (s *SQLiteStore) ListFacts(ctx context.Context, versionID string) ([]model.Fact, error) {
	return s.listFacts(ctx, "version_id", versionID)
}

func (s *SQLiteStore) ListFactsByRun(ctx context.Context, runID string) ([]model.Fact, error) {
	return s.listFacts(ctx, "run_id", runID)
}

// --- Jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.PipelineJob) error {
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

	var metaJSON any
	if job.Metadata != nil {
		data, err := json.Marshal(job.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal job metadata")
		}
		metaJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, priority, status, payload, metadata, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Priority), string(job.Status),
		job.Payload, metaJSON, job.MaxAttempts, now,
	)
	return eris.Wrap(err, "sqlite: enqueue job")
}

func scanSQLiteJob(row rowScanner) (*model.PipelineJob, error) {
	var j model.PipelineJob
	var typ, prio, st string
	var metaJSON sql.NullString
	var lease, startedAt, endedAt sql.NullTime
	err := row.Scan(&j.ID, &typ, &prio, &st, &j.Payload, &j.Progress, &j.ProgressMessage, &j.Result, &j.Error,
		&metaJSON, &j.Attempts, &j.MaxAttempts, &j.ClaimedBy, &lease, &j.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	j.Type = model.JobType(typ)
	j.Priority = model.JobPriority(prio)
	j.Status = model.JobStatus(st)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &j.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job metadata")
		}
	}
	if lease.Valid {
		t := lease.Time
		j.LeaseExpires = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		j.EndedAt = &t
	}
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.PipelineJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.PipelineJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.PipelineJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*model.PipelineJob, error) {
	now := time.Now().UTC()

	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = 'started', claimed_by = ?, lease_expires = ?,
		     attempts = attempts + 1, started_at = COALESCE(started_at, ?)
		 WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'queued' AND (lease_expires IS NULL OR lease_expires < ?))
			   OR (status = 'started' AND lease_expires < ?)
			ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, created_at ASC
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		workerID, now.Add(lease), now, now, now,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return j, nil
}

func (s *SQLiteStore) RenewJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires = ?
		 WHERE id = ? AND claimed_by = ? AND status = 'started' AND lease_expires > ?`,
		now.Add(lease), jobID, workerID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: renew job lease %s", jobID)
	}
	return checkRowsAffected(res, ErrClaimExpired, "job %s worker %s", jobID, workerID)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, progress_message = ? WHERE id = ? AND status = 'started'`,
		progress, message, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "job %s is not started", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'finished', progress = 100, result = ?, claimed_by = '', ended_at = ?
		 WHERE id = ? AND status = 'started'`,
		result, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "job %s is not started", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, errMsg string, retryDelay time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			error = ?,
			claimed_by = '',
			lease_expires = CASE WHEN attempts >= max_attempts THEN NULL ELSE ? END,
			ended_at = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END
		 WHERE id = ? AND status = 'started'`,
		errMsg, now.Add(retryDelay), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "job %s is not started", jobID)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', ended_at = ?
		 WHERE id = ? AND status IN ('queued', 'started')`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	return checkRowsAffected(res, ErrStatusConflict, "job %s is already terminal", jobID)
}

// --- Quality ---

func (s *SQLiteStore) ReplaceQuality(ctx context.Context, versionID, scope string, conflicts []model.QualityConflict, questions []model.QualityOpenQuestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin quality tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM quality_conflicts WHERE version_id = ? AND scope = ?`, versionID, scope,
	); err != nil {
		return eris.Wrap(err, "sqlite: delete prior conflicts")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM quality_questions WHERE version_id = ? AND scope = ?`, versionID, scope,
	); err != nil {
		return eris.Wrap(err, "sqlite: delete prior questions")
	}

	now := time.Now().UTC()
	for i := range conflicts {
		c := &conflicts[i]
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		idsJSON, err := json.Marshal(c.FactIDs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal conflict fact ids")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quality_conflicts (id, version_id, scope, semantic_key, fact_ids, severity, score, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.VersionID, c.Scope, c.SemanticKey, string(idsJSON), string(c.Severity), c.Score, c.Detail, c.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert conflict %s", c.ID)
		}
	}
	for i := range questions {
		q := &questions[i]
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quality_questions (id, version_id, scope, fact_id, category, missing, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.VersionID, q.Scope, q.FactID, string(q.Category), q.Missing, q.Detail, q.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert question %s", q.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit quality tx")
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, versionID string) ([]model.QualityConflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version_id, scope, semantic_key, fact_ids, severity, score, detail, created_at
		 FROM quality_conflicts WHERE version_id = ? ORDER BY score DESC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var conflicts []model.QualityConflict
	for rows.Next() {
		var c model.QualityConflict
		var sev, idsJSON string
		if err := rows.Scan(&c.ID, &c.VersionID, &c.Scope, &c.SemanticKey, &idsJSON, &sev, &c.Score, &c.Detail, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		c.Severity = model.ConflictSeverity(sev)
		if err := json.Unmarshal([]byte(idsJSON), &c.FactIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal conflict fact ids")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

func (s *SQLiteStore) ListOpenQuestions(ctx context.Context, versionID string) ([]model.QualityOpenQuestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version_id, scope, fact_id, category, missing, detail, created_at
		 FROM quality_questions WHERE version_id = ? ORDER BY created_at ASC`,
		versionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list questions")
	}
	defer rows.Close()

	var questions []model.QualityOpenQuestion
	for rows.Next() {
		var q model.QualityOpenQuestion
		var cat string
		if err := rows.Scan(&q.ID, &q.VersionID, &q.Scope, &q.FactID, &cat, &q.Missing, &q.Detail, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan question")
		}
		q.Category = model.QuestionCategory(cat)
		questions = append(questions, q)
	}
	return questions, eris.Wrap(rows.Err(), "sqlite: list questions iterate")
}

// --- Metrics ---

func (s *SQLiteStore) CountVersionsByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT processing_status, COUNT(*) FROM document_versions GROUP BY processing_status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count versions")
	}
	defer rows.Close()

	counts := make(map[model.ProcessingStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version count")
		}
		counts[model.ProcessingStatus(st)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count versions iterate")
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobStatus(st)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

func (s *SQLiteStore) CountExpiredLeases(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_versions WHERE claimed_by != '' AND lease_expires < ?`,
		time.Now().UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count expired leases")
}

var _ Store = (*SQLiteStore)(nil)
