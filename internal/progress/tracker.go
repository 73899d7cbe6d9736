// Package progress tracks batch completion for an active pipeline run and
// reconstructs resume requests for interrupted jobs.
package progress

import (
	"time"

	"scene-pipeline/internal/models"
)

// Options configures a new progress record.
type Options struct {
	JobID        string
	SourceURL    string
	TotalBatches int
	BatchSize    int
	TargetScenes int
}

// Create returns a fresh record: status pending, zero completed batches.
func Create(opts Options) models.ProgressRecord {
	now := time.Now().UTC()
	return models.ProgressRecord{
		JobID:        opts.JobID,
		SourceURL:    opts.SourceURL,
		TotalBatches: opts.TotalBatches,
		BatchSize:    opts.BatchSize,
		TargetScenes: opts.TargetScenes,
		Scenes:       []models.Scene{},
		Entities:     map[string]string{},
		Status:       models.StatusPending,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// UpdateAfterBatch records one completed batch: the count increments by
// exactly one, new scenes append, and entities merge without dropping keys.
func UpdateAfterBatch(p models.ProgressRecord, scenes []models.Scene, entities map[string]string) models.ProgressRecord {
	p.CompletedBatches++
	p.Scenes = append(p.Scenes, scenes...)
	p.Entities = models.MergeEntities(p.Entities, entities)
	p.Status = models.StatusInProgress
	p.LastError = ""
	p.UpdatedAt = time.Now().UTC()
	return p
}

// MarkFailed records an error status without touching accumulated output.
func MarkFailed(p models.ProgressRecord, message string) models.ProgressRecord {
	p.Status = models.StatusFailed
	p.LastError = message
	p.UpdatedAt = time.Now().UTC()
	return p
}

// MarkCompleted sets the terminal status without touching accumulated output.
func MarkCompleted(p models.ProgressRecord) models.ProgressRecord {
	p.Status = models.StatusCompleted
	p.UpdatedAt = time.Now().UTC()
	return p
}

// ResumeData returns what a driver needs to continue an interrupted job, or
// nil when the job is not genuinely resumable: nothing to skip when no batch
// completed, nothing to do when all batches (or the status) completed.
func ResumeData(p models.ProgressRecord) *models.ResumeData {
	if p.CompletedBatches <= 0 || p.CompletedBatches >= p.TotalBatches {
		return nil
	}
	if p.Status == models.StatusCompleted {
		return nil
	}
	return &models.ResumeData{
		JobID:        p.JobID,
		SourceURL:    p.SourceURL,
		NextBatch:    p.CompletedBatches + 1,
		TotalBatches: p.TotalBatches,
		BatchSize:    p.BatchSize,
		TargetScenes: p.TargetScenes,
		Scenes:       p.Scenes,
		Entities:     p.Entities,
	}
}
