package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/extraction"
	"github.com/sells-group/ingest-cli/internal/model"
)

type stubDigester struct {
	mu     sync.Mutex
	ids    []string
	result *model.DigestResult
}

func (s *stubDigester) Digest(_ context.Context, versionID string) (*model.DigestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, versionID)
	if s.result != nil {
		return s.result, nil
	}
	return &model.DigestResult{VersionID: versionID, FinalStatus: model.ProcessingStatusQualityChecked}, nil
}

type plannedCall struct {
	versionID string
	profiles  []string
	levels    []string
	context   string
}

type stubPlanner struct {
	mu      sync.Mutex
	calls   []plannedCall
	planErr error
	execErr error
}

func (s *stubPlanner) PlanExtraction(_ context.Context, versionID string, profileNames, levelNames []string, processContext string) (*extraction.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, plannedCall{versionID, profileNames, levelNames, processContext})
	if s.planErr != nil {
		return nil, s.planErr
	}
	return &extraction.Plan{VersionID: versionID}, nil
}

func (s *stubPlanner) ExecutePlan(_ context.Context, _ *extraction.Plan) error {
	return s.execErr
}

type stubAnalyzer struct {
	versionID string
	scope     string
}

func (s *stubAnalyzer) Analyze(_ context.Context, versionID, scope string) (*model.QualityReport, error) {
	s.versionID = versionID
	s.scope = scope
	return &model.QualityReport{VersionID: versionID, Scope: scope}, nil
}

type stubSpanStore struct {
	mu         sync.Mutex
	spans      map[string][]model.Span
	embeddings map[string][]float32
}

func newStubSpanStore() *stubSpanStore {
	return &stubSpanStore{spans: map[string][]model.Span{}, embeddings: map[string][]float32{}}
}

func (s *stubSpanStore) CreateSpans(_ context.Context, spans []model.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range spans {
		s.spans[sp.VersionID] = append(s.spans[sp.VersionID], sp)
	}
	return nil
}

func (s *stubSpanStore) ListSpans(_ context.Context, versionID string) ([]model.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Span(nil), s.spans[versionID]...), nil
}

func (s *stubSpanStore) UpdateSpanEmbedding(_ context.Context, spanID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[spanID] = embedding
	return nil
}

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.5}
	}
	return out, nil
}

// jobContext builds a JobContext over a queued memJobStore job.
func jobContext(t *testing.T, st *memJobStore, jobType model.JobType, payload any) *JobContext {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	job := &model.PipelineJob{
		ID:          "j-" + string(jobType),
		Type:        jobType,
		Priority:    model.PriorityLow,
		Status:      model.JobStatusStarted,
		Payload:     body,
		MaxAttempts: 3,
	}
	require.NoError(t, st.EnqueueJob(context.Background(), job))
	return &JobContext{Job: job, store: st}
}

func testDeps() (PipelineDeps, *stubDigester, *stubPlanner, *stubAnalyzer, *stubSpanStore, *stubEmbedder) {
	dig := &stubDigester{}
	planner := &stubPlanner{}
	analyzer := &stubAnalyzer{}
	spans := newStubSpanStore()
	emb := &stubEmbedder{}
	deps := PipelineDeps{
		Spans:          spans,
		Digester:       dig,
		Planner:        planner,
		Analyzer:       analyzer,
		Embedder:       emb,
		EmbedBatchSize: 2,
	}
	return deps, dig, planner, analyzer, spans, emb
}

func TestHandleProcessVersion(t *testing.T) {
	deps, dig, _, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeProcessDocumentVersion, VersionPayload{VersionID: "v1"})

	result, err := deps.handleProcessVersion(context.Background(), jc)
	require.NoError(t, err)

	assert.Equal(t, []string{"v1"}, dig.ids)
	dr, ok := result.(*model.DigestResult)
	require.True(t, ok)
	assert.Equal(t, "v1", dr.VersionID)
}

// blockingDigester holds until its context dies, standing in for a digest
// with stages still ahead of it.
type blockingDigester struct {
	started chan struct{}
}

func (b *blockingDigester) Digest(ctx context.Context, _ string) (*model.DigestResult, error) {
	close(b.started)
	<-ctx.Done()
	return nil, eris.Wrap(ctx.Err(), "digest interrupted")
}

func TestHandleProcessVersion_CancelledJobStopsDigest(t *testing.T) {
	deps, _, _, _, _, _ := testDeps()
	dig := &blockingDigester{started: make(chan struct{})}
	deps.Digester = dig
	deps.CheckpointInterval = 10 * time.Millisecond

	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeProcessDocumentVersion, VersionPayload{VersionID: "v1"})
	require.NoError(t, st.CancelJob(context.Background(), jc.Job.ID))

	done := make(chan error, 1)
	go func() {
		_, err := deps.handleProcessVersion(context.Background(), jc)
		done <- err
	}()

	<-dig.started
	select {
	case err := <-done:
		assert.True(t, eris.Is(err, ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("handler kept digesting a cancelled job")
	}
}

func TestHandleFactExtract(t *testing.T) {
	deps, _, planner, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeFactExtract, ExtractPayload{
		VersionID: "v1", Profile: "finance", Level: "detailed", ProcessContext: "diligence",
	})

	_, err := deps.handleFactExtract(context.Background(), jc)
	require.NoError(t, err)

	require.Len(t, planner.calls, 1)
	assert.Equal(t, "v1", planner.calls[0].versionID)
	assert.Equal(t, []string{"finance"}, planner.calls[0].profiles)
	assert.Equal(t, []string{"detailed"}, planner.calls[0].levels)
	assert.Equal(t, "diligence", planner.calls[0].context)
}

func TestHandleMultilevel_ProgressPerLevel(t *testing.T) {
	deps, _, planner, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeMultilevelExtract, MultilevelPayload{
		VersionID: "v1", Profile: "general", Levels: []string{"basic", "detailed"},
	})

	_, err := deps.handleMultilevel(context.Background(), jc)
	require.NoError(t, err)

	require.Len(t, planner.calls, 2)
	assert.Equal(t, []string{"basic"}, planner.calls[0].levels)
	assert.Equal(t, []string{"detailed"}, planner.calls[1].levels)

	job, _ := st.GetJob(context.Background(), jc.Job.ID)
	assert.Equal(t, 100, job.Progress)
}

func TestHandleMultilevelBatch(t *testing.T) {
	deps, _, planner, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeMultilevelExtractBatch, MultilevelBatchPayload{
		VersionIDs: []string{"v1", "v2", "v3"},
		Profile:    "general",
		Levels:     []string{"detailed"},
	})

	result, err := deps.handleMultilevelBatch(context.Background(), jc)
	require.NoError(t, err)

	assert.Len(t, planner.calls, 3)
	assert.Equal(t, map[string]int{"versions": 3}, result)

	job, _ := st.GetJob(context.Background(), jc.Job.ID)
	assert.Equal(t, 100, job.Progress)
	assert.Contains(t, job.ProgressMessage, "3/3")
}

func TestHandleMultilevelBatch_CancelledBetweenVersions(t *testing.T) {
	deps, _, _, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeMultilevelExtractBatch, MultilevelBatchPayload{
		VersionIDs: []string{"v1", "v2"},
		Profile:    "general",
		Levels:     []string{"detailed"},
	})
	require.NoError(t, st.CancelJob(context.Background(), jc.Job.ID))

	_, err := deps.handleMultilevelBatch(context.Background(), jc)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCancelled))
}

func TestHandleMultilevelBatch_EmptyBatch(t *testing.T) {
	deps, _, _, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeMultilevelExtractBatch, MultilevelBatchPayload{Profile: "general"})

	_, err := deps.handleMultilevelBatch(context.Background(), jc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no versions")
}

func TestHandleUpgrade(t *testing.T) {
	deps, _, planner, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeUpgradeExtractionLevel, UpgradePayload{
		VersionID: "v1", Profile: "general", ToLevel: "comprehensive",
	})

	_, err := deps.handleUpgrade(context.Background(), jc)
	require.NoError(t, err)

	require.Len(t, planner.calls, 1)
	assert.Equal(t, []string{"comprehensive"}, planner.calls[0].levels)
}

func TestHandleQualityCheck(t *testing.T) {
	deps, _, _, analyzer, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeQualityCheck, QualityPayload{VersionID: "v1", Scope: "finance"})

	result, err := deps.handleQualityCheck(context.Background(), jc)
	require.NoError(t, err)

	assert.Equal(t, "v1", analyzer.versionID)
	assert.Equal(t, "finance", analyzer.scope)
	report, ok := result.(*model.QualityReport)
	require.True(t, ok)
	assert.Equal(t, "finance", report.Scope)
}

func TestHandleEmbed_BatchesAndPersists(t *testing.T) {
	deps, _, _, _, spans, emb := testDeps()
	st := newMemJobStore()

	seeded := []model.Span{
		{ID: "s1", VersionID: "v1", Ordinal: 0, Text: "one"},
		{ID: "s2", VersionID: "v1", Ordinal: 1, Text: "two"},
		{ID: "s3", VersionID: "v1", Ordinal: 2, Text: "three"},
	}
	require.NoError(t, spans.CreateSpans(context.Background(), seeded))

	jc := jobContext(t, st, model.JobTypeEmbed, VersionPayload{VersionID: "v1"})
	result, err := deps.handleEmbed(context.Background(), jc)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"spans": 3}, result)
	assert.Equal(t, 2, emb.calls, "3 spans with batch size 2")
	for _, sp := range seeded {
		assert.Equal(t, []float32{0.5}, spans.embeddings[sp.ID])
	}
}

func TestHandleEmbed_NoSpans(t *testing.T) {
	deps, _, _, _, _, _ := testDeps()
	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeEmbed, VersionPayload{VersionID: "v9"})

	_, err := deps.handleEmbed(context.Background(), jc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no spans")
}

func TestRegisterPipelineHandlers_CoversEveryType(t *testing.T) {
	deps, _, _, _, _, _ := testDeps()
	c := NewConsumer(newMemJobStore(), testConsumerConfig())
	RegisterPipelineHandlers(c, deps)

	for jobType := range knownTypes {
		assert.Contains(t, c.handlers, jobType, string(jobType))
	}
}

func TestRegisterPipelineHandlers_DefaultIngesterFails(t *testing.T) {
	deps, _, _, _, _, _ := testDeps()
	c := NewConsumer(newMemJobStore(), testConsumerConfig())
	RegisterPipelineHandlers(c, deps)

	st := newMemJobStore()
	jc := jobContext(t, st, model.JobTypeIngest, VersionPayload{VersionID: "v1"})
	_, err := c.handlers[model.JobTypeIngest](context.Background(), jc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ingester configured")
}
