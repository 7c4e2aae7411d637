// Package extraction plans and executes fact-extraction runs. Planning is
// idempotent per (version, profile, level, context); execution drives the
// extractor client and persists facts with full provenance.
package extraction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ingest-cli/internal/model"
)

// ComposePrompt folds the prompt layers in order: profile vocabulary, then
// the process-context overlay, then the level overlay. Scalars are
// later-wins; lists append; maps merge recursively. No layer can delete a
// field set by an earlier one.
func ComposePrompt(profile *model.ExtractionProfile, setting *model.ExtractionSetting, level *model.ExtractionLevel) map[string]any {
	merged := map[string]any{}
	mergeLayer(merged, profile.Vocabulary)
	if setting != nil {
		mergeLayer(merged, setting.Overlay)
	}
	if level != nil {
		mergeLayer(merged, level.Overlay)
	}
	return merged
}

func mergeLayer(dst map[string]any, layer map[string]any) {
	for k, v := range layer {
		if v == nil {
			// A nil value is not a deletion; the earlier layer's value stands.
			continue
		}
		existing, ok := dst[k]
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}
		switch ev := existing.(type) {
		case map[string]any:
			if mv, ok := v.(map[string]any); ok {
				mergeLayer(ev, mv)
				continue
			}
		case []any:
			if lv, ok := v.([]any); ok {
				dst[k] = append(append([]any{}, ev...), lv...)
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		mergeLayer(out, tv)
		return out
	case []any:
		return append([]any{}, tv...)
	default:
		return v
	}
}

// promptInstructions is the fixed base every composed prompt starts from.
const promptInstructions = `You extract structured facts from document spans.
Each span is marked [span N]. Return JSON: {"facts": [...]} where each fact
has span (the N it was cited from), kind (claim|metric|constraint|risk),
subject, predicate, statement, confidence (0-1), and for metrics: value,
unit, and optional scope_start/scope_end RFC 3339 dates.
Extract only what the text states. Do not infer.`

// RenderSystemPrompt turns the merged vocabulary into the extractor's system
// prompt. The vocabulary is rendered as YAML with sorted keys so the same
// layers always produce the same prompt, which is what makes the prompt
// cache effective across runs.
func RenderSystemPrompt(merged map[string]any, required []string) (string, error) {
	var sb strings.Builder
	sb.WriteString(promptInstructions)

	if len(required) > 0 {
		req := append([]string{}, required...)
		sort.Strings(req)
		fmt.Fprintf(&sb, "\n\nRequired fact attributes: %s.", strings.Join(req, ", "))
	}

	if len(merged) > 0 {
		vocab, err := yaml.Marshal(merged)
		if err != nil {
			return "", eris.Wrap(err, "extraction: render vocabulary")
		}
		sb.WriteString("\n\nDomain vocabulary:\n")
		sb.Write(vocab)
	}
	return sb.String(), nil
}

// sourceReliability reads the source_reliability scalar from a merged
// vocabulary, defaulting to 1.0. Overlays can lower it for less trusted
// process contexts.
func sourceReliability(merged map[string]any) float64 {
	v, ok := merged["source_reliability"]
	if !ok {
		return 1.0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 1.0
	}
}
