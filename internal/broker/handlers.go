package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/extraction"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/embedder"
)

// Digester digests one version (the process_document_version handler).
type Digester interface {
	Digest(ctx context.Context, versionID string) (*model.DigestResult, error)
}

// Planner plans and executes extraction runs.
type Planner interface {
	PlanExtraction(ctx context.Context, versionID string, profileNames, levelNames []string, processContext string) (*extraction.Plan, error)
	ExecutePlan(ctx context.Context, plan *extraction.Plan) error
}

// Analyzer runs the quality analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, versionID, scope string) (*model.QualityReport, error)
}

// PipelineDeps are the collaborators the pipeline handlers dispatch to.
type PipelineDeps struct {
	Spans          store.SpanStore
	Digester       Digester
	Planner        Planner
	Analyzer       Analyzer
	Embedder       embedder.Client
	Ingester       Handler // optional; jobs of type ingest fail without it
	EmbedBatchSize int

	// CheckpointInterval is how often long-running handlers without natural
	// step boundaries poll for job cancellation. Zero means 2s.
	CheckpointInterval time.Duration
}

// Job payloads. Field names are a stable external surface.
type (
	// VersionPayload addresses a single document version.
	VersionPayload struct {
		VersionID string `json:"version_id"`
	}

	// ExtractPayload requests one extraction run.
	ExtractPayload struct {
		VersionID      string `json:"version_id"`
		Profile        string `json:"profile"`
		Level          string `json:"level"`
		ProcessContext string `json:"process_context,omitempty"`
	}

	// MultilevelPayload requests several levels of one profile.
	MultilevelPayload struct {
		VersionID      string   `json:"version_id"`
		Profile        string   `json:"profile"`
		Levels         []string `json:"levels"`
		ProcessContext string   `json:"process_context,omitempty"`
	}

	// MultilevelBatchPayload fans a multilevel extraction over versions.
	MultilevelBatchPayload struct {
		VersionIDs     []string `json:"version_ids"`
		Profile        string   `json:"profile"`
		Levels         []string `json:"levels"`
		ProcessContext string   `json:"process_context,omitempty"`
	}

	// UpgradePayload requests a deeper extraction level for a version.
	// Idempotency keys make it a no-op when the level already ran.
	UpgradePayload struct {
		VersionID      string `json:"version_id"`
		Profile        string `json:"profile"`
		ToLevel        string `json:"to_level"`
		ProcessContext string `json:"process_context,omitempty"`
	}

	// QualityPayload requests a quality analysis for one scope.
	QualityPayload struct {
		VersionID string `json:"version_id"`
		Scope     string `json:"scope"`
	}
)

// RegisterPipelineHandlers installs the handler for every pipeline job type.
func RegisterPipelineHandlers(c *Consumer, deps PipelineDeps) {
	if deps.EmbedBatchSize <= 0 {
		deps.EmbedBatchSize = 32
	}

	c.Register(model.JobTypeProcessDocumentVersion, deps.handleProcessVersion)
	c.Register(model.JobTypeFactExtract, deps.handleFactExtract)
	c.Register(model.JobTypeMultilevelExtract, deps.handleMultilevel)
	c.Register(model.JobTypeMultilevelExtractBatch, deps.handleMultilevelBatch)
	c.Register(model.JobTypeUpgradeExtractionLevel, deps.handleUpgrade)
	c.Register(model.JobTypeQualityCheck, deps.handleQualityCheck)
	c.Register(model.JobTypeEmbed, deps.handleEmbed)

	ingest := deps.Ingester
	if ingest == nil {
		ingest = func(context.Context, *JobContext) (any, error) {
			return nil, eris.New("broker: no ingester configured")
		}
	}
	c.Register(model.JobTypeIngest, ingest)
}

// handleProcessVersion digests the version. A version that fails a stage is
// a recorded outcome, not a handler error: retrying the job cannot help, the
// failure lives on the version row. The digester has no job awareness, so a
// watcher polls the job status and cancels the digest context when the job
// is cancelled; the digester stops at its next between-stage check.
func (d PipelineDeps) handleProcessVersion(ctx context.Context, jc *JobContext) (any, error) {
	var p VersionPayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		d.watchJobCancellation(ctx, jc, cancel)
	}()

	result, err := d.Digester.Digest(ctx, p.VersionID)
	cancel(nil)
	<-watchDone

	if cause := context.Cause(ctx); cause != nil && eris.Is(cause, ErrCancelled) {
		return nil, ErrCancelled
	}
	return result, err
}

func (d PipelineDeps) watchJobCancellation(ctx context.Context, jc *JobContext, cancel context.CancelCauseFunc) {
	interval := d.CheckpointInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jc.Checkpoint(ctx); err != nil {
				cancel(err)
				return
			}
		}
	}
}

func (d PipelineDeps) handleFactExtract(ctx context.Context, jc *JobContext) (any, error) {
	var p ExtractPayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}
	return d.runExtraction(ctx, p.VersionID, p.Profile, []string{p.Level}, p.ProcessContext)
}

func (d PipelineDeps) handleMultilevel(ctx context.Context, jc *JobContext) (any, error) {
	var p MultilevelPayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}
	plans := make([]*extraction.Plan, 0, len(p.Levels))
	for i, level := range p.Levels {
		if err := jc.Checkpoint(ctx); err != nil {
			return nil, err
		}
		plan, err := d.runExtraction(ctx, p.VersionID, p.Profile, []string{level}, p.ProcessContext)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
		jc.Progress(ctx, (i+1)*100/len(p.Levels), fmt.Sprintf("level %s done", level))
	}
	return plans, nil
}

func (d PipelineDeps) handleMultilevelBatch(ctx context.Context, jc *JobContext) (any, error) {
	var p MultilevelBatchPayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}
	if len(p.VersionIDs) == 0 {
		return nil, eris.New("broker: batch payload names no versions")
	}
	done := 0
	for _, versionID := range p.VersionIDs {
		if err := jc.Checkpoint(ctx); err != nil {
			return nil, err
		}
		if _, err := d.runExtraction(ctx, versionID, p.Profile, p.Levels, p.ProcessContext); err != nil {
			return nil, eris.Wrapf(err, "version %s", versionID)
		}
		done++
		jc.Progress(ctx, done*100/len(p.VersionIDs),
			fmt.Sprintf("%d/%d versions extracted", done, len(p.VersionIDs)))
	}
	return map[string]int{"versions": done}, nil
}

func (d PipelineDeps) handleUpgrade(ctx context.Context, jc *JobContext) (any, error) {
	var p UpgradePayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}
	return d.runExtraction(ctx, p.VersionID, p.Profile, []string{p.ToLevel}, p.ProcessContext)
}

func (d PipelineDeps) handleQualityCheck(ctx context.Context, jc *JobContext) (any, error) {
	var p QualityPayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}
	return d.Analyzer.Analyze(ctx, p.VersionID, p.Scope)
}

// handleEmbed re-embeds every span of a version. Overwriting an existing
// embedding with the same vector keeps the handler idempotent.
func (d PipelineDeps) handleEmbed(ctx context.Context, jc *JobContext) (any, error) {
	var p VersionPayload
	if err := jc.Unmarshal(&p); err != nil {
		return nil, err
	}
	spans, err := d.Spans.ListSpans(ctx, p.VersionID)
	if err != nil {
		return nil, eris.Wrap(err, "list spans")
	}
	if len(spans) == 0 {
		return nil, eris.Errorf("version %s has no spans", p.VersionID)
	}

	embedded := 0
	for start := 0; start < len(spans); start += d.EmbedBatchSize {
		if err := jc.Checkpoint(ctx); err != nil {
			return nil, err
		}
		end := start + d.EmbedBatchSize
		if end > len(spans) {
			end = len(spans)
		}
		batch := spans[start:end]
		texts := make([]string, len(batch))
		for i, sp := range batch {
			texts[i] = sp.Text
		}
		vectors, err := d.Embedder.Embed(ctx, texts)
		if err != nil {
			return nil, eris.Wrap(err, "embed spans")
		}
		for i, sp := range batch {
			if err := d.Spans.UpdateSpanEmbedding(ctx, sp.ID, vectors[i]); err != nil {
				return nil, eris.Wrapf(err, "persist embedding for span %s", sp.ID)
			}
			embedded++
		}
		jc.Progress(ctx, embedded*100/len(spans), fmt.Sprintf("%d/%d spans embedded", embedded, len(spans)))
	}
	return map[string]int{"spans": embedded}, nil
}

func (d PipelineDeps) runExtraction(ctx context.Context, versionID, profile string, levels []string, processContext string) (*extraction.Plan, error) {
	plan, err := d.Planner.PlanExtraction(ctx, versionID, []string{profile}, levels, processContext)
	if err != nil {
		return nil, err
	}
	if err := d.Planner.ExecutePlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}
