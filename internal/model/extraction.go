package model

import (
	"fmt"
	"time"
)

// ExtractionProfile selects the domain vocabulary for fact extraction.
// Profiles are read-only inputs to planning, loaded from YAML.
type ExtractionProfile struct {
	Name       string            `json:"name" yaml:"name"`
	Vocabulary map[string]any    `json:"vocabulary" yaml:"vocabulary"`
	Required   []string          `json:"required,omitempty" yaml:"required"` // fact attributes the quality analyzer demands
	Levels     []ExtractionLevel `json:"levels" yaml:"levels"`
}

// Level returns the named level, if the profile defines it.
func (p *ExtractionProfile) Level(name string) (*ExtractionLevel, bool) {
	for i := range p.Levels {
		if p.Levels[i].Name == name {
			return &p.Levels[i], true
		}
	}
	return nil, false
}

// ExtractionLevel is a depth-of-detail overlay within a profile.
type ExtractionLevel struct {
	Name    string         `json:"name" yaml:"name"`
	Rank    int            `json:"rank" yaml:"rank"` // ordering for upgrade_extraction_level
	Overlay map[string]any `json:"overlay,omitempty" yaml:"overlay"`
}

// ExtractionSetting is a process-context overlay applied between the profile
// vocabulary and the level overlay.
type ExtractionSetting struct {
	Context string         `json:"context" yaml:"context"`
	Overlay map[string]any `json:"overlay,omitempty" yaml:"overlay"`
}

// RunStatus is the lifecycle of a FactExtractionRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunKey is the idempotency key for extraction runs: at most one non-failed
// run may exist per key at any time.
type RunKey struct {
	VersionID      string `json:"version_id"`
	Profile        string `json:"profile"`
	Level          string `json:"level"`
	ProcessContext string `json:"process_context"`
}

// String renders the key in its canonical form, used for logs and the
// storage-level uniqueness constraint.
func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.VersionID, k.Profile, k.Level, k.ProcessContext)
}

// FactExtractionRun is one execution of extraction for a RunKey.
type FactExtractionRun struct {
	ID        string    `json:"id"`
	Key       RunKey    `json:"key"`
	Status    RunStatus `json:"status"`
	FactIDs   []string  `json:"fact_ids,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
