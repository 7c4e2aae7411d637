package extractor

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

var validKinds = map[string]bool{
	"claim":      true,
	"metric":     true,
	"constraint": true,
	"risk":       true,
}

// parseCandidates decodes the model's JSON output. The model is prompted to
// return {"facts": [...]} but a bare array is tolerated. Candidates citing a
// span ordinal outside [0, spanCount) or carrying an unknown kind are
// rejected rather than silently dropped: a malformed response should fail
// the run, not thin out its results.
func parseCandidates(text string, spanCount int) ([]Candidate, error) {
	raw := stripFences(text)
	if raw == "" {
		return nil, eris.New("extractor: empty response")
	}

	var wrapper struct {
		Facts []Candidate `json:"facts"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		var bare []Candidate
		if err2 := json.Unmarshal([]byte(raw), &bare); err2 != nil {
			return nil, eris.Wrap(err, "extractor: parse response")
		}
		wrapper.Facts = bare
	}

	for i, c := range wrapper.Facts {
		if !validKinds[c.Kind] {
			return nil, eris.Errorf("extractor: candidate %d has unknown kind %q", i, c.Kind)
		}
		if c.SpanOrdinal < 0 || c.SpanOrdinal >= spanCount {
			return nil, eris.Errorf("extractor: candidate %d cites span %d out of range", i, c.SpanOrdinal)
		}
		if c.Statement == "" {
			return nil, eris.Errorf("extractor: candidate %d has empty statement", i)
		}
		if c.Confidence < 0 {
			wrapper.Facts[i].Confidence = 0
		} else if c.Confidence > 1 {
			wrapper.Facts[i].Confidence = 1
		}
	}
	return wrapper.Facts, nil
}

// stripFences removes a leading ```json / trailing ``` fence if present.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
