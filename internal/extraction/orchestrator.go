package extraction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/extractor"
)

// Store is the persistence slice the orchestrator needs.
type Store interface {
	store.RunStore
	store.SpanStore
	store.FactStore
}

// Plan is the outcome of idempotent extraction planning. Keys already
// satisfied or in flight are reported, not re-run.
type Plan struct {
	VersionID  string                    `json:"version_id"`
	Created    []model.FactExtractionRun `json:"created"`
	Satisfied  []model.RunKey            `json:"satisfied,omitempty"`
	InProgress []model.RunKey            `json:"in_progress,omitempty"`
}

// Orchestrator plans and executes extraction runs.
type Orchestrator struct {
	store    Store
	client   extractor.Client
	profiles map[string]*model.ExtractionProfile
	settings map[string]*model.ExtractionSetting
}

// NewOrchestrator wires the orchestrator. settings maps process-context
// names to their overlays; nil means no contexts are defined.
func NewOrchestrator(st Store, client extractor.Client, profiles map[string]*model.ExtractionProfile, settings map[string]*model.ExtractionSetting) *Orchestrator {
	if settings == nil {
		settings = map[string]*model.ExtractionSetting{}
	}
	return &Orchestrator{
		store:    st,
		client:   client,
		profiles: profiles,
		settings: settings,
	}
}

// PlanExtraction resolves the cross product of profiles and levels into runs.
// For each key: a completed run satisfies it, a pending or running run is
// reported in-progress, and anything else (no run, or only failed runs) gets
// a fresh pending run. A racing creation loses to the storage uniqueness
// constraint and lands in InProgress.
func (o *Orchestrator) PlanExtraction(ctx context.Context, versionID string, profileNames, levelNames []string, processContext string) (*Plan, error) {
	if processContext != "" {
		if _, ok := o.settings[processContext]; !ok {
			return nil, eris.Errorf("extraction: unknown process context %q", processContext)
		}
	}

	plan := &Plan{VersionID: versionID}
	for _, pn := range profileNames {
		profile, ok := o.profiles[pn]
		if !ok {
			return nil, eris.Errorf("extraction: unknown profile %q", pn)
		}
		for _, ln := range levelNames {
			if _, ok := profile.Level(ln); !ok {
				return nil, eris.Errorf("extraction: profile %q has no level %q", pn, ln)
			}
			key := model.RunKey{
				VersionID:      versionID,
				Profile:        pn,
				Level:          ln,
				ProcessContext: processContext,
			}

			existing, err := o.store.GetRunByKey(ctx, key)
			if err != nil {
				return nil, eris.Wrapf(err, "extraction: look up run %s", key)
			}
			if existing != nil {
				switch existing.Status {
				case model.RunStatusCompleted:
					plan.Satisfied = append(plan.Satisfied, key)
				default:
					plan.InProgress = append(plan.InProgress, key)
				}
				continue
			}

			run := model.FactExtractionRun{
				ID:     uuid.NewString(),
				Key:    key,
				Status: model.RunStatusPending,
			}
			if err := o.store.CreateRun(ctx, &run); err != nil {
				if eris.Is(err, store.ErrDuplicateRun) {
					plan.InProgress = append(plan.InProgress, key)
					continue
				}
				return nil, eris.Wrapf(err, "extraction: create run %s", key)
			}
			plan.Created = append(plan.Created, run)
		}
	}

	zap.L().Info("extraction plan",
		zap.String("version_id", versionID),
		zap.Int("created", len(plan.Created)),
		zap.Int("satisfied", len(plan.Satisfied)),
		zap.Int("in_progress", len(plan.InProgress)),
	)
	return plan, nil
}

// ExecuteRun drives one pending run to completion. The pending → running
// transition is the execution gate: losing it means another worker holds
// the run, which is reported as an error but changes nothing.
func (o *Orchestrator) ExecuteRun(ctx context.Context, run *model.FactExtractionRun) error {
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning, nil, ""); err != nil {
		return eris.Wrapf(err, "extraction: start run %s", run.Key)
	}

	// Outcome CAS statements run detached from the caller's cancellation:
	// when the extraction dies because ctx was cancelled, the failure must
	// still land or the run stays running forever and its key can never be
	// planned again. Same idiom as the broker's CompleteJob/FailJob.
	factIDs, err := o.runExtraction(ctx, run)
	if err != nil {
		if ferr := o.store.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, model.RunStatusRunning, model.RunStatusFailed, nil, err.Error()); ferr != nil {
			zap.L().Error("extraction: record run failure",
				zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return eris.Wrapf(err, "extraction: run %s", run.Key)
	}

	if err := o.store.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, model.RunStatusRunning, model.RunStatusCompleted, factIDs, ""); err != nil {
		return eris.Wrapf(err, "extraction: complete run %s", run.Key)
	}
	return nil
}

// ExecutePlan runs every created run in order. The first failure stops
// execution; earlier completed runs stay completed.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *Plan) error {
	for i := range plan.Created {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "extraction: plan cancelled")
		}
		if err := o.ExecuteRun(ctx, &plan.Created[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, run *model.FactExtractionRun) ([]string, error) {
	profile := o.profiles[run.Key.Profile]
	if profile == nil {
		return nil, eris.Errorf("unknown profile %q", run.Key.Profile)
	}
	level, ok := profile.Level(run.Key.Level)
	if !ok {
		return nil, eris.Errorf("profile %q has no level %q", run.Key.Profile, run.Key.Level)
	}
	setting := o.settings[run.Key.ProcessContext]

	merged := ComposePrompt(profile, setting, level)
	system, err := RenderSystemPrompt(merged, profile.Required)
	if err != nil {
		return nil, err
	}

	spans, err := o.store.ListSpans(ctx, run.Key.VersionID)
	if err != nil {
		return nil, eris.Wrap(err, "list spans")
	}
	if len(spans) == 0 {
		return nil, eris.Errorf("version %s has no spans", run.Key.VersionID)
	}

	req := extractor.Request{System: system, Spans: make([]extractor.Span, len(spans))}
	byOrdinal := make(map[int]*model.Span, len(spans))
	for i := range spans {
		req.Spans[i] = extractor.Span{
			ID:      spans[i].ID,
			Ordinal: spans[i].Ordinal,
			Text:    spans[i].Text,
		}
		byOrdinal[spans[i].Ordinal] = &spans[i]
	}

	result, err := o.client.ExtractFacts(ctx, req)
	if err != nil {
		return nil, err
	}

	reliability := sourceReliability(merged)
	facts := make([]model.Fact, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		span, ok := byOrdinal[c.SpanOrdinal]
		if !ok {
			return nil, eris.Errorf("candidate cites unknown span ordinal %d", c.SpanOrdinal)
		}
		scope, err := parseScope(c.ScopeStart, c.ScopeEnd)
		if err != nil {
			return nil, err
		}
		facts = append(facts, model.Fact{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			VersionID:   run.Key.VersionID,
			SpanID:      span.ID,
			Kind:        model.FactKind(c.Kind),
			Subject:     c.Subject,
			Predicate:   c.Predicate,
			Statement:   c.Statement,
			Value:       c.Value,
			Unit:        c.Unit,
			TimeScope:   scope,
			Confidence:  c.Confidence,
			Reliability: reliability,
		})
	}

	if len(facts) > 0 {
		if err := o.store.CreateFacts(ctx, facts); err != nil {
			return nil, eris.Wrap(err, "persist facts")
		}
	}

	ids := make([]string, len(facts))
	for i, f := range facts {
		ids[i] = f.ID
	}
	return ids, nil
}

// parseScope accepts RFC 3339 timestamps or bare dates.
func parseScope(start, end string) (model.TimeScope, error) {
	var scope model.TimeScope
	if start != "" {
		t, err := parseScopeTime(start)
		if err != nil {
			return scope, eris.Wrapf(err, "parse scope_start %q", start)
		}
		scope.Start = &t
	}
	if end != "" {
		t, err := parseScopeTime(end)
		if err != nil {
			return scope, eris.Wrapf(err, "parse scope_end %q", end)
		}
		scope.End = &t
	}
	return scope, nil
}

func parseScopeTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
