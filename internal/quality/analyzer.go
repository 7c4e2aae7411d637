// Package quality inspects extracted facts for internal disagreement and
// gaps, producing conflicts and open questions for reviewers.
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Store is the persistence slice the analyzer needs.
type Store interface {
	store.FactStore
	store.RunStore
	store.QualityStore
}

// Config tunes the analyzer thresholds.
type Config struct {
	// NumericTolerance is the relative delta two metric values may differ
	// by before they conflict.
	NumericTolerance float64
	// ReliabilityGap is the source-reliability divergence that makes even a
	// within-tolerance disagreement a conflict.
	ReliabilityGap float64
	// ConfidenceThreshold is the floor below which a fact raises a
	// low-confidence open question.
	ConfidenceThreshold float64
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		NumericTolerance:    0.05,
		ReliabilityGap:      0.4,
		ConfidenceThreshold: 0.5,
	}
}

// Analyzer groups facts by semantic key and reports disagreements and gaps.
type Analyzer struct {
	store    Store
	cfg      Config
	profiles map[string]*model.ExtractionProfile
}

// NewAnalyzer wires the analyzer. profiles supplies each scope's required
// fact attributes; scopes without a profile fall back to the basic triple.
func NewAnalyzer(st Store, cfg Config, profiles map[string]*model.ExtractionProfile) *Analyzer {
	if cfg.NumericTolerance <= 0 {
		cfg.NumericTolerance = 0.05
	}
	if cfg.ReliabilityGap <= 0 {
		cfg.ReliabilityGap = 0.4
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	return &Analyzer{store: st, cfg: cfg, profiles: profiles}
}

var defaultRequired = []string{"subject", "predicate", "statement"}

// Analyze inspects the facts a scope's runs produced for one version and
// replaces that scope's conflict and question rows in one transaction.
// Facts from other scopes are untouched.
func (a *Analyzer) Analyze(ctx context.Context, versionID, scope string) (*model.QualityReport, error) {
	if scope == "" {
		return nil, eris.New("quality: scope is required")
	}

	facts, err := a.scopedFacts(ctx, versionID, scope)
	if err != nil {
		return nil, err
	}

	report := &model.QualityReport{VersionID: versionID, Scope: scope}
	report.OpenQuestions = a.openQuestions(versionID, scope, facts)
	report.Conflicts = a.conflicts(versionID, scope, facts)

	if err := a.store.ReplaceQuality(ctx, versionID, scope, report.Conflicts, report.OpenQuestions); err != nil {
		return nil, eris.Wrapf(err, "quality: replace rows for %s/%s", versionID, scope)
	}

	zap.L().Info("quality analysis",
		zap.String("version_id", versionID),
		zap.String("scope", scope),
		zap.Int("facts", len(facts)),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Int("open_questions", len(report.OpenQuestions)),
	)
	return report, nil
}

// scopedFacts returns the version's facts produced by runs under the scope's
// profile.
func (a *Analyzer) scopedFacts(ctx context.Context, versionID, scope string) ([]model.Fact, error) {
	runs, err := a.store.ListRuns(ctx, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "quality: list runs")
	}
	inScope := make(map[string]bool, len(runs))
	for _, r := range runs {
		if r.Key.Profile == scope {
			inScope[r.ID] = true
		}
	}

	all, err := a.store.ListFacts(ctx, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "quality: list facts")
	}
	var facts []model.Fact
	for _, f := range all {
		if inScope[f.RunID] {
			facts = append(facts, f)
		}
	}
	return facts, nil
}

func (a *Analyzer) requiredFor(scope string) []string {
	if p, ok := a.profiles[scope]; ok && len(p.Required) > 0 {
		return p.Required
	}
	return defaultRequired
}

func (a *Analyzer) openQuestions(versionID, scope string, facts []model.Fact) []model.QualityOpenQuestion {
	required := a.requiredFor(scope)
	var questions []model.QualityOpenQuestion

	add := func(f model.Fact, cat model.QuestionCategory, missing, detail string) {
		questions = append(questions, model.QualityOpenQuestion{
			ID:        uuid.NewString(),
			VersionID: versionID,
			Scope:     scope,
			FactID:    f.ID,
			Category:  cat,
			Missing:   missing,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		})
	}

	for _, f := range facts {
		for _, attr := range required {
			if attributeMissing(f, attr) {
				add(f, model.QuestionMissingAttribute, attr,
					fmt.Sprintf("fact %q is missing required attribute %s", f.Statement, attr))
			}
		}
		if f.Confidence < a.cfg.ConfidenceThreshold {
			add(f, model.QuestionLowConfidence, "",
				fmt.Sprintf("fact %q has confidence %.2f below threshold %.2f",
					f.Statement, f.Confidence, a.cfg.ConfidenceThreshold))
		}
		if halfOpenScope(f) {
			add(f, model.QuestionAmbiguousScope, "",
				fmt.Sprintf("fact %q has a half-open time scope", f.Statement))
		}
	}
	return questions
}

// attributeMissing checks one required attribute. Unit and value only apply
// to metric facts.
func attributeMissing(f model.Fact, attr string) bool {
	switch attr {
	case "subject":
		return f.Subject == ""
	case "predicate":
		return f.Predicate == ""
	case "statement":
		return f.Statement == ""
	case "unit":
		return f.Kind == model.FactKindMetric && f.Unit == ""
	case "value":
		return f.Kind == model.FactKindMetric && f.Value == nil
	case "time_scope":
		return f.Kind == model.FactKindMetric && f.TimeScope.Start == nil && f.TimeScope.End == nil
	default:
		return false
	}
}

// halfOpenScope reports a metric scope with exactly one bound, which usually
// means the model could not pin the period down.
func halfOpenScope(f model.Fact) bool {
	if f.Kind != model.FactKindMetric {
		return false
	}
	return (f.TimeScope.Start == nil) != (f.TimeScope.End == nil)
}

func (a *Analyzer) conflicts(versionID, scope string, facts []model.Fact) []model.QualityConflict {
	groups := map[string][]model.Fact{}
	for _, f := range facts {
		if f.Kind != model.FactKindMetric || f.Value == nil {
			continue
		}
		key := semanticKey(f)
		groups[key] = append(groups[key], f)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conflicts []model.QualityConflict
	for _, key := range keys {
		group := groups[key]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				fa, fb := group[i], group[j]
				if !fa.TimeScope.Overlaps(fb.TimeScope) {
					continue
				}
				c := a.compare(versionID, scope, key, fa, fb)
				if c != nil {
					conflicts = append(conflicts, *c)
				}
			}
		}
	}
	return conflicts
}

// compare decides whether two same-key metric facts conflict. Disagreement
// beyond tolerance conflicts outright; smaller disagreements conflict only
// when the sources' reliabilities diverge.
func (a *Analyzer) compare(versionID, scope, key string, fa, fb model.Fact) *model.QualityConflict {
	va, vb := *fa.Value, *fb.Value
	denom := math.Max(math.Abs(va), math.Abs(vb))
	if denom == 0 {
		return nil
	}
	relDelta := math.Abs(va-vb) / denom
	if relDelta == 0 {
		return nil
	}

	relGap := math.Abs(fa.Reliability - fb.Reliability)
	if relDelta <= a.cfg.NumericTolerance && relGap < a.cfg.ReliabilityGap {
		return nil
	}

	lower := math.Min(fa.Reliability, fb.Reliability)
	score := math.Min(relDelta, 1) * lower

	return &model.QualityConflict{
		ID:          uuid.NewString(),
		VersionID:   versionID,
		Scope:       scope,
		FactIDs:     []string{fa.ID, fb.ID},
		SemanticKey: key,
		Severity:    severityBucket(score),
		Score:       score,
		Detail: fmt.Sprintf("%s: values %v and %v disagree by %.1f%% (reliabilities %.2f / %.2f)",
			key, va, vb, relDelta*100, fa.Reliability, fb.Reliability),
		CreatedAt: time.Now().UTC(),
	}
}

func severityBucket(score float64) model.ConflictSeverity {
	switch {
	case score >= 0.5:
		return model.SeverityHigh
	case score >= 0.2:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// semanticKey identifies facts that speak about the same quantity.
func semanticKey(f model.Fact) string {
	return strings.Join([]string{string(f.Kind), f.Subject, f.Predicate, f.Unit}, "|")
}
