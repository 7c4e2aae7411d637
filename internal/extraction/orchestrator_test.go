package extraction

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/extractor"
)

// fakeStore is an in-memory Store for orchestrator tests, enforcing the same
// run-key uniqueness and CAS semantics as the real backends.
type fakeStore struct {
	mu    sync.Mutex
	runs  map[string]*model.FactExtractionRun
	spans map[string][]model.Span
	facts []model.Fact
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:  map[string]*model.FactExtractionRun{},
		spans: map[string][]model.Span{},
	}
}

func (f *fakeStore) CreateRun(_ context.Context, run *model.FactExtractionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.Key == run.Key && r.Status != model.RunStatusFailed {
			return store.ErrDuplicateRun
		}
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetRunByKey(_ context.Context, key model.RunKey) (*model.FactExtractionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.Key == key && r.Status != model.RunStatusFailed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, runID string, from, to model.RunStatus, factIDs []string, errMsg string) error {
	// The real backends refuse work on a dead context.
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != from {
		return store.ErrStatusConflict
	}
	r.Status = to
	if factIDs != nil {
		r.FactIDs = factIDs
	}
	r.Error = errMsg
	return nil
}

func (f *fakeStore) ListRuns(_ context.Context, versionID string) ([]model.FactExtractionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FactExtractionRun
	for _, r := range f.runs {
		if r.Key.VersionID == versionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSpans(_ context.Context, spans []model.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range spans {
		f.spans[s.VersionID] = append(f.spans[s.VersionID], s)
	}
	return nil
}

func (f *fakeStore) ListSpans(_ context.Context, versionID string) ([]model.Span, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Span{}, f.spans[versionID]...), nil
}

func (f *fakeStore) UpdateSpanEmbedding(_ context.Context, _ string, _ []float32) error {
	return nil
}

func (f *fakeStore) CreateFacts(_ context.Context, facts []model.Fact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, facts...)
	return nil
}

func (f *fakeStore) ListFacts(_ context.Context, versionID string) ([]model.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Fact
	for _, fc := range f.facts {
		if fc.VersionID == versionID {
			out = append(out, fc)
		}
	}
	return out, nil
}

func (f *fakeStore) ListFactsByRun(_ context.Context, runID string) ([]model.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Fact
	for _, fc := range f.facts {
		if fc.RunID == runID {
			out = append(out, fc)
		}
	}
	return out, nil
}

// fakeClient returns canned candidates or an error.
type fakeClient struct {
	result *extractor.Result
	err    error
	calls  int
	system string
}

func (c *fakeClient) ExtractFacts(_ context.Context, req extractor.Request) (*extractor.Result, error) {
	c.calls++
	c.system = req.System
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// cancellingClient cancels the caller's context mid-extraction, the shape of
// a SIGTERM arriving while the model call is in flight.
type cancellingClient struct {
	cancel context.CancelFunc
}

func (c *cancellingClient) ExtractFacts(ctx context.Context, _ extractor.Request) (*extractor.Result, error) {
	c.cancel()
	return nil, ctx.Err()
}

func seedSpans(t *testing.T, fs *fakeStore, versionID string, n int) {
	t.Helper()
	spans := make([]model.Span, n)
	for i := range spans {
		spans[i] = model.Span{
			ID:        versionID + "-span-" + string(rune('a'+i)),
			VersionID: versionID,
			Ordinal:   i,
			Text:      "span text",
		}
	}
	require.NoError(t, fs.CreateSpans(context.Background(), spans))
}

func testOrchestrator(fs *fakeStore, client extractor.Client) *Orchestrator {
	profiles := map[string]*model.ExtractionProfile{"general": GeneralProfile()}
	settings := map[string]*model.ExtractionSetting{
		"diligence": {Context: "diligence", Overlay: map[string]any{"source_reliability": 0.8}},
	}
	return NewOrchestrator(fs, client, profiles, settings)
}

func TestPlanExtraction_CreatesRuns(t *testing.T) {
	fs := newFakeStore()
	o := testOrchestrator(fs, &fakeClient{})

	plan, err := o.PlanExtraction(context.Background(), "v1", []string{"general"}, []string{"basic", "detailed"}, "")
	require.NoError(t, err)
	assert.Len(t, plan.Created, 2)
	assert.Empty(t, plan.Satisfied)
	assert.Empty(t, plan.InProgress)
}

func TestPlanExtraction_SecondPlanIsNoOp(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	o := testOrchestrator(fs, &fakeClient{})

	first, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Len(t, second.InProgress, 1)
}

func TestPlanExtraction_CompletedRunSatisfies(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	client := &fakeClient{result: &extractor.Result{}}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	require.NoError(t, o.ExecutePlan(ctx, plan))

	again, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Len(t, again.Satisfied, 1)
}

func TestPlanExtraction_FailedRunFreesKey(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	client := &fakeClient{err: eris.New("model unavailable")}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	require.Error(t, o.ExecutePlan(ctx, plan))

	retry, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	assert.Len(t, retry.Created, 1)
}

func TestPlanExtraction_UnknownProfile(t *testing.T) {
	o := testOrchestrator(newFakeStore(), &fakeClient{})

	_, err := o.PlanExtraction(context.Background(), "v1", []string{"nonexistent"}, []string{"basic"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestPlanExtraction_UnknownLevel(t *testing.T) {
	o := testOrchestrator(newFakeStore(), &fakeClient{})

	_, err := o.PlanExtraction(context.Background(), "v1", []string{"general"}, []string{"forensic"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no level")
}

func TestPlanExtraction_UnknownContext(t *testing.T) {
	o := testOrchestrator(newFakeStore(), &fakeClient{})

	_, err := o.PlanExtraction(context.Background(), "v1", []string{"general"}, []string{"basic"}, "litigation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown process context")
}

func TestExecuteRun_PersistsFactsWithProvenance(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	value := 2400000.0
	client := &fakeClient{result: &extractor.Result{
		Candidates: []extractor.Candidate{
			{SpanOrdinal: 1, Kind: "metric", Subject: "contract", Predicate: "total_value",
				Statement: "Total value is $2.4M", Value: &value, Unit: "USD",
				ScopeStart: "2026-01-01", ScopeEnd: "2026-12-31", Confidence: 0.9},
		},
	}}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 2)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"detailed"}, "")
	require.NoError(t, err)
	require.Len(t, plan.Created, 1)
	require.NoError(t, o.ExecuteRun(ctx, &plan.Created[0]))

	run, err := fs.GetRunByKey(ctx, plan.Created[0].Key)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.Len(t, run.FactIDs, 1)

	facts, err := fs.ListFactsByRun(ctx, plan.Created[0].ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, run.FactIDs[0], facts[0].ID)
	assert.Equal(t, "v1", facts[0].VersionID)
	assert.Equal(t, "v1-span-b", facts[0].SpanID)
	assert.Equal(t, model.FactKindMetric, facts[0].Kind)
	require.NotNil(t, facts[0].Value)
	assert.Equal(t, 2400000.0, *facts[0].Value)
	require.NotNil(t, facts[0].TimeScope.Start)
	assert.Equal(t, 2026, facts[0].TimeScope.Start.Year())
	assert.Equal(t, 1.0, facts[0].Reliability)
}

func TestExecuteRun_ContextOverlayLowersReliability(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	client := &fakeClient{result: &extractor.Result{
		Candidates: []extractor.Candidate{
			{SpanOrdinal: 0, Kind: "claim", Subject: "s", Predicate: "p",
				Statement: "x", Confidence: 0.5},
		},
	}}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "diligence")
	require.NoError(t, err)
	require.NoError(t, o.ExecuteRun(ctx, &plan.Created[0]))

	facts, err := fs.ListFacts(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 0.8, facts[0].Reliability)
}

func TestExecuteRun_FailureRecordsError(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	client := &fakeClient{err: eris.New("model unavailable")}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	err = o.ExecuteRun(ctx, &plan.Created[0])
	require.Error(t, err)

	fs.mu.Lock()
	run := fs.runs[plan.Created[0].ID]
	fs.mu.Unlock()
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "model unavailable")
}

func TestExecuteRun_CancellationFailsRunAndFreesKey(t *testing.T) {
	fs := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	o := testOrchestrator(fs, &cancellingClient{cancel: cancel})
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(context.Background(), "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	require.Len(t, plan.Created, 1)

	require.Error(t, o.ExecutePlan(ctx, plan))

	// The run must not be stranded in running: the failure CAS runs
	// detached from the cancelled context.
	fs.mu.Lock()
	run := fs.runs[plan.Created[0].ID]
	fs.mu.Unlock()
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "context canceled")

	// And the key is immediately plannable again.
	retry, err := o.PlanExtraction(context.Background(), "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	assert.Len(t, retry.Created, 1)
	assert.Empty(t, retry.InProgress)
}

func TestExecuteRun_NoSpansFails(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	o := testOrchestrator(fs, &fakeClient{result: &extractor.Result{}})

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	err = o.ExecuteRun(ctx, &plan.Created[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no spans")
}

func TestExecuteRun_AlreadyRunningConflicts(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	client := &fakeClient{result: &extractor.Result{}}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)
	run := plan.Created[0]

	require.NoError(t, fs.UpdateRunStatus(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning, nil, ""))

	err = o.ExecuteRun(ctx, &run)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrStatusConflict))
	// The extractor was never invoked.
	assert.Equal(t, 0, client.calls)
}

func TestExecutePlan_Cancelled(t *testing.T) {
	fs := newFakeStore()
	o := testOrchestrator(fs, &fakeClient{result: &extractor.Result{}})
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(context.Background(), "v1", []string{"general"}, []string{"basic"}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = o.ExecutePlan(ctx, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestExecuteRun_SystemPromptIncludesLevelOverlay(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	client := &fakeClient{result: &extractor.Result{}}
	o := testOrchestrator(fs, client)
	seedSpans(t, fs, "v1", 1)

	plan, err := o.PlanExtraction(ctx, "v1", []string{"general"}, []string{"comprehensive"}, "")
	require.NoError(t, err)
	require.NoError(t, o.ExecuteRun(ctx, &plan.Created[0]))

	assert.Contains(t, client.system, "every extractable statement")
}
