package models

import "time"

// ProgressRecord mirrors a subset of Job while a pipeline run is active.
type ProgressRecord struct {
	JobID            string            `json:"job_id"`
	SourceURL        string            `json:"source_url"`
	CompletedBatches int               `json:"completed_batches"`
	TotalBatches     int               `json:"total_batches"`
	BatchSize        int               `json:"batch_size"`
	TargetScenes     int               `json:"target_scenes"`
	Scenes           []Scene           `json:"scenes"`
	Entities         map[string]string `json:"entities,omitempty"`
	Status           string            `json:"status"`
	LastError        string            `json:"last_error,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ResumeData is everything needed to reconstruct a continuation request for
// an interrupted job: the remaining batch range plus already-accepted output.
type ResumeData struct {
	JobID        string            `json:"job_id"`
	SourceURL    string            `json:"source_url"`
	NextBatch    int               `json:"next_batch"`
	TotalBatches int               `json:"total_batches"`
	BatchSize    int               `json:"batch_size"`
	TargetScenes int               `json:"target_scenes"`
	Scenes       []Scene           `json:"scenes"`
	Entities     map[string]string `json:"entities,omitempty"`
}
