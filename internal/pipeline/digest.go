// Package pipeline implements document digestion: the ordered stages that
// carry an uploaded version from raw bytes to quality-checked facts. The
// Digester is resumable; stage entry is gated on the version's status rank,
// so a committed stage never re-runs.
package pipeline

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/extraction"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/ocr"
	"github.com/sells-group/ingest-cli/internal/status"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/embedder"
	"github.com/sells-group/ingest-cli/pkg/objstore"
)

// Store is the persistence slice the digester needs.
type Store interface {
	store.DocumentStore
	store.SpanStore
}

// FactPlanner plans and executes fact-extraction runs for the facts stage.
// *extraction.Orchestrator is the production implementation.
type FactPlanner interface {
	PlanExtraction(ctx context.Context, versionID string, profileNames, levelNames []string, processContext string) (*extraction.Plan, error)
	ExecutePlan(ctx context.Context, plan *extraction.Plan) error
}

// QualityAnalyzer runs the quality stage. *quality.Analyzer is the
// production implementation.
type QualityAnalyzer interface {
	Analyze(ctx context.Context, versionID, scope string) (*model.QualityReport, error)
}

// Config holds digestion tunables.
type Config struct {
	DedupEnabled   bool
	SpanMaxBytes   int
	SpanOverlap    int
	EmbedBatchSize int
	DefaultProfile string
	DefaultLevel   string
	ProcessContext string
}

// Digester drives one version through the digestion stages.
type Digester struct {
	store    Store
	objects  objstore.Store
	embedder embedder.Client
	ocr      ocr.Extractor
	planner  FactPlanner
	analyzer QualityAnalyzer
	cfg      Config
}

// NewDigester wires a digester with all stage collaborators.
func NewDigester(
	st Store,
	objects objstore.Store,
	emb embedder.Client,
	ocrExt ocr.Extractor,
	planner FactPlanner,
	analyzer QualityAnalyzer,
	cfg Config,
) *Digester {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 32
	}
	return &Digester{
		store:    st,
		objects:  objects,
		embedder: emb,
		ocr:      ocrExt,
		planner:  planner,
		analyzer: analyzer,
		cfg:      cfg,
	}
}

// StageContext carries per-digest state between stages.
type StageContext struct {
	Doc     *model.Document
	Version *model.DocumentVersion
	Raw     []byte
	Text    string
}

// Stage is one digestion step. Run writes the stage's outputs; the digester
// commits the status advance afterwards, so outputs are always persisted
// before the status that claims them.
type Stage interface {
	Name() model.StageName
	Target() model.ProcessingStatus
	Run(ctx context.Context, sc *StageContext) (*model.StageOutcome, error)
}

func (d *Digester) stages() []Stage {
	return []Stage{
		extractStage{d},
		spansStage{d},
		embedStage{d},
		factsStage{d},
		qualityStage{d},
	}
}

// Digest runs every unmet stage for the version, in order. Stage failures
// are recorded on the version and reported in the result's Error field; the
// returned error is reserved for infrastructure faults (load, commit) where
// the version's state on disk is still accurate.
func (d *Digester) Digest(ctx context.Context, versionID string) (*model.DigestResult, error) {
	log := zap.L().With(zap.String("version_id", versionID))

	v, err := d.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load version %s", versionID)
	}
	if v.UploadStatus != model.UploadStatusUploaded {
		return nil, eris.Errorf("pipeline: version %s upload status is %s, want uploaded", versionID, v.UploadStatus)
	}

	if v.ProcessingStatus == model.ProcessingStatusFailed {
		if !v.Retriable {
			return nil, eris.Errorf("pipeline: version %s is failed and not retriable", versionID)
		}
		if err := d.store.ReviveVersion(ctx, versionID); err != nil {
			return nil, eris.Wrapf(err, "pipeline: revive version %s", versionID)
		}
		if v, err = d.store.GetVersion(ctx, versionID); err != nil {
			return nil, eris.Wrapf(err, "pipeline: reload version %s", versionID)
		}
		log.Info("pipeline: revived failed version", zap.String("status", string(v.ProcessingStatus)))
	}

	// A version claimed at pending with its bytes already stored first
	// acknowledges the completed upload.
	if v.ProcessingStatus == model.ProcessingStatusPending {
		if err := status.Advance(v, model.ProcessingStatusUploaded); err != nil {
			return nil, eris.Wrapf(err, "pipeline: acknowledge upload for %s", versionID)
		}
		if err := d.store.UpdateVersionStatus(ctx, v.ID, model.ProcessingStatusPending, model.ProcessingStatusUploaded, ""); err != nil {
			return nil, eris.Wrapf(err, "pipeline: acknowledge upload for %s", versionID)
		}
	}

	result := &model.DigestResult{VersionID: versionID, FinalStatus: v.ProcessingStatus}
	if status.Terminal(v.ProcessingStatus) {
		return result, nil
	}

	doc, err := d.store.GetDocument(ctx, v.DocumentID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load document %s", v.DocumentID)
	}

	raw, err := d.loadRaw(ctx, v)
	if err != nil {
		return nil, err
	}
	if got := Fingerprint(raw); got != v.ContentHash {
		ferr := eris.Errorf("pipeline: stored bytes hash %s, version records %s", got, v.ContentHash)
		d.failVersion(ctx, v, ferr)
		result.FinalStatus = v.ProcessingStatus
		result.Error = ferr.Error()
		return result, nil
	}

	if d.cfg.DedupEnabled {
		dup, err := d.store.FindDuplicate(ctx, v.ContentHash, v.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: duplicate lookup for %s", versionID)
		}
		if dup != nil && status.Rank(dup.ProcessingStatus) > status.Rank(v.ProcessingStatus) {
			if err := d.copyStatus(ctx, v, dup.ProcessingStatus); err != nil {
				return nil, err
			}
			result.Deduplicated = true
			result.DuplicateOf = dup.ID
			result.FinalStatus = v.ProcessingStatus
			log.Info("pipeline: duplicate content, status copied forward",
				zap.String("duplicate_of", dup.ID),
				zap.String("status", string(v.ProcessingStatus)),
			)
			return result, nil
		}
	}

	sc := &StageContext{Doc: doc, Version: v, Raw: raw}
	for _, st := range d.stages() {
		if err := ctx.Err(); err != nil {
			return result, eris.Wrapf(err, "pipeline: digest %s cancelled", versionID)
		}
		if status.Rank(v.ProcessingStatus) >= status.Rank(st.Target()) {
			continue
		}

		outcome, stageErr := d.runStage(ctx, log, st, sc)
		result.StagesRun = append(result.StagesRun, *outcome)
		if stageErr != nil {
			// Cancellation is an interruption, not a stage failure: the
			// version keeps its committed status so the next claim, after
			// the lease expires, resumes where this one stopped.
			if ctx.Err() != nil || eris.Is(stageErr, context.Canceled) || eris.Is(stageErr, context.DeadlineExceeded) {
				return result, eris.Wrapf(stageErr, "pipeline: digest %s interrupted", versionID)
			}
			d.failVersion(ctx, v, stageErr)
			result.FinalStatus = v.ProcessingStatus
			result.Error = stageErr.Error()
			return result, nil
		}

		prev := v.ProcessingStatus
		if err := status.Advance(v, st.Target()); err != nil {
			return result, eris.Wrapf(err, "pipeline: stage %s", st.Name())
		}
		if err := d.store.UpdateVersionStatus(ctx, v.ID, prev, v.ProcessingStatus, ""); err != nil {
			return result, eris.Wrapf(err, "pipeline: commit stage %s", st.Name())
		}
		result.FinalStatus = v.ProcessingStatus
	}

	log.Info("pipeline: digest complete",
		zap.String("status", string(v.ProcessingStatus)),
		zap.Int("stages_run", len(result.StagesRun)),
	)
	return result, nil
}

// runStage executes one stage and stamps the outcome with name and duration.
func (d *Digester) runStage(ctx context.Context, log *zap.Logger, st Stage, sc *StageContext) (*model.StageOutcome, error) {
	start := time.Now()
	outcome, err := st.Run(ctx, sc)
	duration := time.Since(start).Milliseconds()

	if outcome == nil {
		outcome = &model.StageOutcome{}
	}
	outcome.Name = st.Name()
	outcome.Duration = duration

	if err != nil {
		log.Error("pipeline: stage failed",
			zap.String("stage", string(st.Name())),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		return outcome, err
	}
	log.Info("pipeline: stage complete",
		zap.String("stage", string(st.Name())),
		zap.Int64("duration_ms", duration),
	)
	return outcome, nil
}

// failVersion moves the version to failed with the cause recorded. Failure
// to record is logged, not returned: the digest result already carries the
// original error.
func (d *Digester) failVersion(ctx context.Context, v *model.DocumentVersion, cause error) {
	prev := v.ProcessingStatus
	if err := status.Advance(v, model.ProcessingStatusFailed); err != nil {
		zap.L().Error("pipeline: mark failed", zap.String("version_id", v.ID), zap.Error(err))
		return
	}
	if err := d.store.UpdateVersionStatus(ctx, v.ID, prev, model.ProcessingStatusFailed, cause.Error()); err != nil {
		zap.L().Error("pipeline: record failure", zap.String("version_id", v.ID), zap.Error(err))
	}
}

// copyStatus advances the version stepwise to the duplicate's status. Every
// intermediate edge goes through the state machine and a compare-and-set
// persist, the same as a real stage commit.
func (d *Digester) copyStatus(ctx context.Context, v *model.DocumentVersion, target model.ProcessingStatus) error {
	for status.Rank(v.ProcessingStatus) < status.Rank(target) {
		next, ok := status.NextStatus(v.ProcessingStatus)
		if !ok {
			break
		}
		prev := v.ProcessingStatus
		if err := status.Advance(v, next); err != nil {
			return eris.Wrap(err, "pipeline: copy duplicate status")
		}
		if err := d.store.UpdateVersionStatus(ctx, v.ID, prev, next, ""); err != nil {
			return eris.Wrapf(err, "pipeline: copy duplicate status to %s", next)
		}
	}
	return nil
}

func (d *Digester) loadRaw(ctx context.Context, v *model.DocumentVersion) ([]byte, error) {
	rc, err := d.objects.Get(ctx, v.StorageLocator)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: fetch raw bytes for %s", v.ID)
	}
	defer rc.Close() //nolint:errcheck
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read raw bytes for %s", v.ID)
	}
	return raw, nil
}

// derivedTextKey is the storage key for a version's extracted plain text.
func derivedTextKey(versionID string) string {
	return "derived/" + versionID + ".txt"
}

// extractStage derives plain text from the raw bytes and stores it alongside
// the original so the derived form is inspectable after the fact.
type extractStage struct{ d *Digester }

func (s extractStage) Name() model.StageName          { return model.StageExtract }
func (s extractStage) Target() model.ProcessingStatus { return model.ProcessingStatusExtracted }

func (s extractStage) Run(ctx context.Context, sc *StageContext) (*model.StageOutcome, error) {
	text, err := s.d.deriveText(ctx, sc.Doc.Kind, sc.Raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, eris.Errorf("pipeline: version %s produced no text", sc.Version.ID)
	}
	sc.Text = text

	locator, err := s.d.objects.Put(ctx, derivedTextKey(sc.Version.ID), strings.NewReader(text))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: store derived text")
	}
	return &model.StageOutcome{Metadata: map[string]any{
		"text_bytes":      len(text),
		"derived_locator": locator,
	}}, nil
}

// spansStage chunks the derived text into spans. On a resumed digest the
// text is rebuilt from the raw bytes; derivation is deterministic per kind.
type spansStage struct{ d *Digester }

func (s spansStage) Name() model.StageName          { return model.StageSpans }
func (s spansStage) Target() model.ProcessingStatus { return model.ProcessingStatusSpansBuilt }

func (s spansStage) Run(ctx context.Context, sc *StageContext) (*model.StageOutcome, error) {
	if sc.Text == "" {
		text, err := s.d.deriveText(ctx, sc.Doc.Kind, sc.Raw)
		if err != nil {
			return nil, err
		}
		sc.Text = text
	}

	spans := BuildSpans(sc.Version.ID, sc.Text, s.d.cfg.SpanMaxBytes, s.d.cfg.SpanOverlap)
	if len(spans) == 0 {
		return nil, eris.Errorf("pipeline: version %s produced no spans", sc.Version.ID)
	}
	if err := s.d.store.CreateSpans(ctx, spans); err != nil {
		return nil, eris.Wrap(err, "pipeline: persist spans")
	}
	return &model.StageOutcome{Metadata: map[string]any{"spans": len(spans)}}, nil
}

// embedStage embeds every span of the version in batches.
type embedStage struct{ d *Digester }

func (s embedStage) Name() model.StageName          { return model.StageEmbed }
func (s embedStage) Target() model.ProcessingStatus { return model.ProcessingStatusEmbedded }

func (s embedStage) Run(ctx context.Context, sc *StageContext) (*model.StageOutcome, error) {
	spans, err := s.d.store.ListSpans(ctx, sc.Version.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list spans")
	}
	if len(spans) == 0 {
		return nil, eris.Errorf("pipeline: version %s has no spans to embed", sc.Version.ID)
	}

	embedded := 0
	for batchStart := 0; batchStart < len(spans); batchStart += s.d.cfg.EmbedBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "pipeline: embed cancelled")
		}
		batchEnd := batchStart + s.d.cfg.EmbedBatchSize
		if batchEnd > len(spans) {
			batchEnd = len(spans)
		}
		batch := spans[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, sp := range batch {
			texts[i] = sp.Text
		}
		vectors, err := s.d.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: embed spans")
		}
		for i, sp := range batch {
			if err := s.d.store.UpdateSpanEmbedding(ctx, sp.ID, vectors[i]); err != nil {
				return nil, eris.Wrapf(err, "pipeline: persist embedding for span %s", sp.ID)
			}
			embedded++
		}
	}
	return &model.StageOutcome{Metadata: map[string]any{"embedded": embedded}}, nil
}

// factsStage plans and executes extraction for the configured default
// profile and level.
type factsStage struct{ d *Digester }

func (s factsStage) Name() model.StageName          { return model.StageFacts }
func (s factsStage) Target() model.ProcessingStatus { return model.ProcessingStatusFactsExtracted }

func (s factsStage) Run(ctx context.Context, sc *StageContext) (*model.StageOutcome, error) {
	plan, err := s.d.planner.PlanExtraction(ctx, sc.Version.ID,
		[]string{s.d.cfg.DefaultProfile}, []string{s.d.cfg.DefaultLevel}, s.d.cfg.ProcessContext)
	if err != nil {
		return nil, err
	}
	// Nothing satisfied and nothing created means every key is held by a
	// run in flight elsewhere. Advancing now would claim facts that do not
	// exist; fail the stage and let a later attempt find the runs settled.
	if len(plan.Created) == 0 && len(plan.Satisfied) == 0 {
		return nil, eris.Errorf("pipeline: version %s has %d extraction runs still in flight", sc.Version.ID, len(plan.InProgress))
	}
	if err := s.d.planner.ExecutePlan(ctx, plan); err != nil {
		return nil, err
	}
	return &model.StageOutcome{Metadata: map[string]any{
		"runs_created": len(plan.Created),
		"satisfied":    len(plan.Satisfied),
		"in_progress":  len(plan.InProgress),
	}}, nil
}

// qualityStage runs the analyzer over the default profile's facts.
type qualityStage struct{ d *Digester }

func (s qualityStage) Name() model.StageName          { return model.StageQuality }
func (s qualityStage) Target() model.ProcessingStatus { return model.ProcessingStatusQualityChecked }

func (s qualityStage) Run(ctx context.Context, sc *StageContext) (*model.StageOutcome, error) {
	report, err := s.d.analyzer.Analyze(ctx, sc.Version.ID, s.d.cfg.DefaultProfile)
	if err != nil {
		return nil, err
	}
	return &model.StageOutcome{Metadata: map[string]any{
		"conflicts":      len(report.Conflicts),
		"open_questions": len(report.OpenQuestions),
	}}, nil
}
