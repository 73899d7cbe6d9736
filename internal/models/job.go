package models

import (
	"time"
)

// Job lifecycle states persisted in both storage tiers.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
)

// Retention horizons by status. Failed and partial jobs are kept long enough
// for an operator to inspect or retry them, completed jobs longer.
const (
	ExpiryCompleted = 7 * 24 * time.Hour
	ExpiryDegraded  = 24 * time.Hour
)

// Scene is one unit of generated output. Immutable once produced by a batch.
type Scene struct {
	SceneNumber  int    `json:"scene_number"`
	Description  string `json:"description"`
	CharacterRef string `json:"character_ref,omitempty"`
	ObjectRef    string `json:"object_ref,omitempty"`
	Environment  string `json:"environment,omitempty"`
	Lighting     string `json:"lighting,omitempty"`
	Composition  string `json:"composition,omitempty"`
	Style        string `json:"style,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// StyleProfile is the phase-0 extraction result.
type StyleProfile struct {
	Style      string  `json:"style"`
	Tone       string  `json:"tone,omitempty"`
	Palette    string  `json:"palette,omitempty"`
	Confidence float64 `json:"confidence"`
}

// JobError records an application-level pipeline failure on a job. Retryable
// errors carry the batch coordinates needed to offer retry-from-failed-batch.
type JobError struct {
	Message      string `json:"message"`
	Kind         string `json:"kind"`
	FailedBatch  int    `json:"failed_batch,omitempty"`
	TotalBatches int    `json:"total_batches,omitempty"`
	Retryable    bool   `json:"retryable"`
}

// Error kinds stored in JobError.Kind.
const (
	ErrKindNetwork    = "network"
	ErrKindAuth       = "auth"
	ErrKindParse      = "parse"
	ErrKindGeneration = "generation"
)

// JobSummary captures batching parameters and outcome counts for a job.
type JobSummary struct {
	TargetScenes   int           `json:"target_scenes"`
	ActualScenes   int           `json:"actual_scenes"`
	BatchSize      int           `json:"batch_size"`
	TotalBatches   int           `json:"total_batches"`
	CharacterCount int           `json:"character_count"`
	Elapsed        time.Duration `json:"elapsed_ms"`
}

// Job is the aggregate root: one full generation task tracked end-to-end.
type Job struct {
	ID        string            `json:"id"`
	SourceURL string            `json:"source_url"`
	SourceID  string            `json:"source_id,omitempty"`
	Summary   JobSummary        `json:"summary"`
	Scenes    []Scene           `json:"scenes"`
	Entities  map[string]string `json:"entities,omitempty"`
	Script    string            `json:"script,omitempty"`
	Profile   *StyleProfile     `json:"profile,omitempty"`
	Status    string            `json:"status"`
	Error     *JobError         `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ExpiryFor derives the retention horizon from a status at write time.
func ExpiryFor(status string, now time.Time) time.Time {
	if status == StatusCompleted {
		return now.Add(ExpiryCompleted)
	}
	return now.Add(ExpiryDegraded)
}

// Expired reports whether the job's retention horizon has passed. Records
// with a zero ExpiresAt predate expiry tracking and never expire.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// MergeEntities unions src into dst without dropping existing keys. A key
// present in both keeps the dst value unless it is empty.
func MergeEntities(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for name, desc := range src {
		if existing, ok := dst[name]; !ok || existing == "" {
			dst[name] = desc
		}
	}
	return dst
}
