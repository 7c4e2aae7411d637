package model

import (
	"time"
)

// FactKind classifies an extracted statement.
type FactKind string

const (
	FactKindClaim      FactKind = "claim"
	FactKindMetric     FactKind = "metric"
	FactKindConstraint FactKind = "constraint"
	FactKindRisk       FactKind = "risk"
)

// TimeScope bounds the period a fact speaks about. A zero bound means open.
type TimeScope struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Overlaps reports whether two scopes share any instant. Open bounds extend
// to infinity on their side.
func (t TimeScope) Overlaps(other TimeScope) bool {
	if t.End != nil && other.Start != nil && t.End.Before(*other.Start) {
		return false
	}
	if other.End != nil && t.Start != nil && other.End.Before(*t.Start) {
		return false
	}
	return true
}

// Fact is an atomic extracted statement, immutable once persisted. Quality
// annotations reference facts externally rather than mutating them.
// Provenance chain: fact -> run -> version -> document.
type Fact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	VersionID   string    `json:"version_id"`
	SpanID      string    `json:"span_id"`
	Kind        FactKind  `json:"kind"`
	Subject     string    `json:"subject"`
	Predicate   string    `json:"predicate"`
	Statement   string    `json:"statement"`
	Value       *float64  `json:"value,omitempty"` // set for metric facts
	Unit        string    `json:"unit,omitempty"`
	TimeScope   TimeScope `json:"time_scope,omitempty"`
	Confidence  float64   `json:"confidence"`
	Reliability float64   `json:"reliability"` // source reliability rating, 0-1
	CreatedAt   time.Time `json:"created_at"`
}
