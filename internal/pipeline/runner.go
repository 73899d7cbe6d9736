// Package pipeline drives a generation job through its phases: profile
// extraction, entity extraction, then batched scene generation with
// deduplication, progress tracking, and dual-tier persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/dedup"
	"scene-pipeline/internal/models"
	"scene-pipeline/internal/notify"
	"scene-pipeline/internal/phasecache"
	"scene-pipeline/internal/progress"
	"scene-pipeline/internal/store"
	"scene-pipeline/internal/telemetry"
)

// BatchRequest is one generation call's input.
type BatchRequest struct {
	SourceURL   string
	BatchNumber int
	BatchSize   int
	Profile     models.StyleProfile
	Background  string
	Entities    map[string]string
	Existing    []models.Scene
}

// Generator is the AI collaborator. Implementations perform one call per
// method and return already-parsed results.
type Generator interface {
	ExtractProfile(ctx context.Context, sourceURL string) (models.StyleProfile, error)
	ExtractEntities(ctx context.Context, sourceURL string, profile models.StyleProfile) (phasecache.Phase1Result, error)
	GenerateBatch(ctx context.Context, req BatchRequest) ([]models.Scene, map[string]string, error)
}

// GenError carries failure classification from a Generator.
type GenError struct {
	Kind      string
	Retryable bool
	Err       error
}

func (e *GenError) Error() string { return e.Err.Error() }
func (e *GenError) Unwrap() error { return e.Err }

// Request describes one pipeline run.
type Request struct {
	JobID        string
	SourceURL    string
	SourceID     string
	TargetScenes int
	BatchSize    int
	Resume       *models.ResumeData
}

// ResumeRequest reconstructs the continuation request for interrupted work.
func ResumeRequest(rd *models.ResumeData) Request {
	return Request{
		JobID:        rd.JobID,
		SourceURL:    rd.SourceURL,
		TargetScenes: rd.TargetScenes,
		BatchSize:    rd.BatchSize,
		Resume:       rd,
	}
}

// Runner executes pipeline runs one at a time.
type Runner struct {
	gen        Generator
	cache      *phasecache.Cache
	table      *progress.Table
	current    *progress.CurrentStore
	sync       *store.Synchronizer
	bus        *notify.Bus
	threshold  float64
	batchDelay time.Duration
	logger     zerolog.Logger
}

// NewRunner wires a runner.
func NewRunner(gen Generator, cache *phasecache.Cache, table *progress.Table, current *progress.CurrentStore, sync *store.Synchronizer, threshold float64, batchDelay time.Duration, logger zerolog.Logger) *Runner {
	if threshold <= 0 {
		threshold = dedup.DefaultThreshold
	}
	return &Runner{
		gen:        gen,
		cache:      cache,
		table:      table,
		current:    current,
		sync:       sync,
		threshold:  threshold,
		batchDelay: batchDelay,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// WithBus enables progress broadcasts for cross-process listeners.
func (r *Runner) WithBus(bus *notify.Bus) *Runner {
	r.bus = bus
	return r
}

// publishProgress mirrors the record onto the bus so remote listeners (the
// API's progress table, a UI) can follow along.
func (r *Runner) publishProgress(prog models.ProgressRecord) {
	if r.bus == nil {
		return
	}
	detail, err := json.Marshal(prog)
	if err != nil {
		r.logger.Warn().Err(err).Msg("marshal progress event")
		return
	}
	r.bus.Publish(notify.Event{Kind: notify.KindProgress, JobID: prog.JobID, Detail: string(detail)})
}

// Run executes a job to completion or failure. The finalized job is returned
// in both cases; the error reports why a run ended early. Cancellation is
// honored between batches, not mid-call.
func (r *Runner) Run(ctx context.Context, req Request) (models.Job, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = 4
	}
	if req.TargetScenes <= 0 {
		req.TargetScenes = req.BatchSize
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	totalBatches := (req.TargetScenes + req.BatchSize - 1) / req.BatchSize
	started := time.Now()

	prog, startBatch := r.initProgress(jobID, req, totalBatches)
	r.table.Put(prog)
	if err := r.current.Save(ctx, prog); err != nil {
		r.logger.Warn().Err(err).Msg("persist progress")
	}
	r.publishProgress(prog)

	profile, phase1, err := r.runExtractionPhases(ctx, jobID, req.SourceURL)
	if err != nil {
		return r.finalize(ctx, jobID, req, prog, profile, phase1, started, 0, totalBatches, err)
	}
	prog.Entities = models.MergeEntities(prog.Entities, phase1.Registry)

	cached, _, cacheErr := r.cache.Get(ctx, jobID)
	if cacheErr != nil {
		r.logger.Warn().Err(cacheErr).Msg("phase cache read")
	}

	for batch := startBatch; batch <= totalBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return r.finalize(ctx, jobID, req, prog, profile, phase1, started, batch, totalBatches, err)
		}

		scenes, entities, err := r.obtainBatch(ctx, jobID, req, batch, totalBatches, profile, phase1, prog, cached)
		if err != nil {
			return r.finalize(ctx, jobID, req, prog, profile, phase1, started, batch, totalBatches, err)
		}

		res := dedup.Filter(prog.Scenes, scenes, r.threshold)
		if len(res.Duplicates) > 0 {
			telemetry.DuplicatesCaught.Add(float64(len(res.Duplicates)))
			r.logger.Info().Str("job_id", jobID).Int("batch", batch).Int("duplicates", len(res.Duplicates)).Msg("filtered duplicate scenes")
		}

		if err := r.cache.CacheBatchWait(ctx, jobID, batch, res.Unique, entities); err != nil {
			r.logger.Warn().Err(err).Int("batch", batch).Msg("cache batch")
		}

		prog = progress.UpdateAfterBatch(prog, res.Unique, entities)
		r.table.Put(prog)
		if err := r.current.Save(ctx, prog); err != nil {
			r.logger.Warn().Err(err).Msg("persist progress")
		}
		r.publishProgress(prog)
		telemetry.BatchesCompleted.Inc()

		if batch < totalBatches && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return r.finalize(ctx, jobID, req, prog, profile, phase1, started, batch+1, totalBatches, ctx.Err())
			case <-time.After(r.batchDelay):
			}
		}
	}

	return r.finalize(ctx, jobID, req, prog, profile, phase1, started, 0, totalBatches, nil)
}

// initProgress builds the starting record, honoring resume data.
func (r *Runner) initProgress(jobID string, req Request, totalBatches int) (models.ProgressRecord, int) {
	if rd := req.Resume; rd != nil {
		prog := models.ProgressRecord{
			JobID:            jobID,
			SourceURL:        req.SourceURL,
			CompletedBatches: rd.NextBatch - 1,
			TotalBatches:     rd.TotalBatches,
			BatchSize:        rd.BatchSize,
			TargetScenes:     rd.TargetScenes,
			Scenes:           rd.Scenes,
			Entities:         rd.Entities,
			Status:           models.StatusInProgress,
			StartedAt:        time.Now().UTC(),
			UpdatedAt:        time.Now().UTC(),
		}
		return prog, rd.NextBatch
	}
	return progress.Create(progress.Options{
		JobID:        jobID,
		SourceURL:    req.SourceURL,
		TotalBatches: totalBatches,
		BatchSize:    req.BatchSize,
		TargetScenes: req.TargetScenes,
	}), 1
}

// runExtractionPhases returns phase-0/1 results, from cache when present.
func (r *Runner) runExtractionPhases(ctx context.Context, jobID, sourceURL string) (models.StyleProfile, phasecache.Phase1Result, error) {
	var profile models.StyleProfile
	var phase1 phasecache.Phase1Result

	entry, ok, err := r.cache.Get(ctx, jobID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("phase cache read")
	}
	if ok && entry.Phase0 != nil {
		profile = *entry.Phase0
	} else {
		profile, err = r.gen.ExtractProfile(ctx, sourceURL)
		if err != nil {
			return profile, phase1, fmt.Errorf("extract profile: %w", err)
		}
		if err := r.cache.CachePhase0(ctx, jobID, profile); err != nil {
			r.logger.Warn().Err(err).Msg("cache phase0")
		}
		r.log(ctx, jobID, "phase0", sourceURL, fmt.Sprintf("style=%s confidence=%.2f", profile.Style, profile.Confidence), nil)
	}

	if ok && entry.Phase1 != nil {
		phase1 = *entry.Phase1
	} else {
		phase1, err = r.gen.ExtractEntities(ctx, sourceURL, profile)
		if err != nil {
			return profile, phase1, fmt.Errorf("extract entities: %w", err)
		}
		if err := r.cache.CachePhase1(ctx, jobID, phase1); err != nil {
			r.logger.Warn().Err(err).Msg("cache phase1")
		}
		r.log(ctx, jobID, "phase1", sourceURL, fmt.Sprintf("entities=%d", len(phase1.Registry)), nil)
	}
	return profile, phase1, nil
}

// obtainBatch serves a batch from the phase cache when a prior run already
// produced it, otherwise generates it.
func (r *Runner) obtainBatch(ctx context.Context, jobID string, req Request, batch, totalBatches int, profile models.StyleProfile, phase1 phasecache.Phase1Result, prog models.ProgressRecord, cached *phasecache.Entry) ([]models.Scene, map[string]string, error) {
	if cached != nil {
		if slot, ok := cached.Batches[batch]; ok {
			r.logger.Debug().Str("job_id", jobID).Int("batch", batch).Msg("reusing cached batch")
			return slot.Scenes, slot.Entities, nil
		}
	}

	size := req.BatchSize
	if remaining := req.TargetScenes - len(prog.Scenes); remaining < size && remaining > 0 {
		size = remaining
	}
	scenes, entities, err := r.gen.GenerateBatch(ctx, BatchRequest{
		SourceURL:   req.SourceURL,
		BatchNumber: batch,
		BatchSize:   size,
		Profile:     profile,
		Background:  phase1.Background,
		Entities:    prog.Entities,
		Existing:    prog.Scenes,
	})
	r.log(ctx, jobID, fmt.Sprintf("batch-%d", batch), req.SourceURL, fmt.Sprintf("scenes=%d", len(scenes)), err)
	if err != nil {
		return nil, nil, fmt.Errorf("generate batch %d/%d: %w", batch, totalBatches, err)
	}
	return scenes, entities, nil
}

// finalize assembles and persists the job for a finished, partial, or failed
// run, and clears per-run state that has served its purpose.
func (r *Runner) finalize(ctx context.Context, jobID string, req Request, prog models.ProgressRecord, profile models.StyleProfile, phase1 phasecache.Phase1Result, started time.Time, failedBatch, totalBatches int, runErr error) (models.Job, error) {
	// The run context may already be cancelled when we get here; persistence
	// of the partial result must still go through.
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	job := models.Job{
		ID:        jobID,
		SourceURL: req.SourceURL,
		SourceID:  req.SourceID,
		Scenes:    prog.Scenes,
		Entities:  prog.Entities,
		Script:    phase1.Background,
		CreatedAt: prog.StartedAt,
		Summary: models.JobSummary{
			TargetScenes:   req.TargetScenes,
			ActualScenes:   len(prog.Scenes),
			BatchSize:      prog.BatchSize,
			TotalBatches:   totalBatches,
			CharacterCount: len(prog.Entities),
			Elapsed:        now.Sub(started),
		},
	}
	if profile.Style != "" {
		p := profile
		job.Profile = &p
	}

	if runErr == nil {
		job.Status = models.StatusCompleted
		prog = progress.MarkCompleted(prog)
	} else {
		kind, retryable := classify(runErr)
		if len(prog.Scenes) > 0 {
			job.Status = models.StatusPartial
		} else {
			job.Status = models.StatusFailed
		}
		job.Error = &models.JobError{
			Message:      runErr.Error(),
			Kind:         kind,
			FailedBatch:  failedBatch,
			TotalBatches: totalBatches,
			Retryable:    retryable,
		}
		prog = progress.MarkFailed(prog, runErr.Error())
	}
	r.table.Put(prog)
	r.publishProgress(prog)

	if err := r.sync.SetJob(ctx, job); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("persist finalized job")
		if runErr == nil {
			runErr = err
		}
	}
	telemetry.JobsFinalized.WithLabelValues(job.Status).Inc()

	if job.Status == models.StatusCompleted {
		// The pipeline is done with this job; its phase cache and resume
		// record have nothing left to offer.
		if err := r.cache.Clear(ctx, jobID); err != nil {
			r.logger.Warn().Err(err).Msg("clear phase cache")
		}
		if err := r.current.Clear(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("clear progress record")
		}
	} else if err := r.current.Save(ctx, prog); err != nil {
		r.logger.Warn().Err(err).Msg("persist progress")
	}

	r.logger.Info().Str("job_id", jobID).Str("status", job.Status).Int("scenes", len(job.Scenes)).Msg("job finalized")
	return job, runErr
}

func (r *Runner) log(ctx context.Context, jobID, phase, request, response string, err error) {
	entry := phasecache.LogEntry{Phase: phase, Request: request, Response: response}
	if err != nil {
		entry.Err = err.Error()
	}
	if logErr := r.cache.AddLog(ctx, jobID, entry); logErr != nil {
		r.logger.Warn().Err(logErr).Msg("append call log")
	}
}

// classify maps a run error to the job error taxonomy.
func classify(err error) (string, bool) {
	var genErr *GenError
	if errors.As(err, &genErr) {
		return genErr.Kind, genErr.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindNetwork, true
	}
	return models.ErrKindGeneration, false
}
