package model

import (
	"time"
)

// ConflictSeverity buckets how badly two facts disagree.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// QuestionCategory names what an open question is missing.
type QuestionCategory string

const (
	QuestionMissingAttribute QuestionCategory = "missing_attribute"
	QuestionLowConfidence    QuestionCategory = "low_confidence"
	QuestionAmbiguousScope   QuestionCategory = "ambiguous_scope"
)

// QualityConflict records two or more facts that disagree. Conflicts are
// regenerated per scope on each analyzer run, never mutated in place.
type QualityConflict struct {
	ID          string           `json:"id"`
	VersionID   string           `json:"version_id"`
	Scope       string           `json:"scope"`
	FactIDs     []string         `json:"fact_ids"` // two or more
	SemanticKey string           `json:"semantic_key"`
	Severity    ConflictSeverity `json:"severity"`
	Score       float64          `json:"score"` // numeric severity the bucket was derived from
	Detail      string           `json:"detail"`
	CreatedAt   time.Time        `json:"created_at"`
}

// QualityOpenQuestion records a single ambiguous or incomplete fact.
type QualityOpenQuestion struct {
	ID        string           `json:"id"`
	VersionID string           `json:"version_id"`
	Scope     string           `json:"scope"`
	FactID    string           `json:"fact_id"`
	Category  QuestionCategory `json:"category"`
	Missing   string           `json:"missing,omitempty"` // attribute name for missing_attribute
	Detail    string           `json:"detail"`
	CreatedAt time.Time        `json:"created_at"`
}

// QualityReport is the analyzer's output for one version and scope.
type QualityReport struct {
	VersionID     string                `json:"version_id"`
	Scope         string                `json:"scope"`
	Conflicts     []QualityConflict     `json:"conflicts"`
	OpenQuestions []QualityOpenQuestion `json:"open_questions"`
}
