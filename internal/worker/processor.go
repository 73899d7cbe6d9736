// Package worker drives the generation loop: dequeue a request, run the
// pipeline, export the result.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/pipeline"
	"scene-pipeline/internal/runqueue"
	"scene-pipeline/internal/telemetry"
)

// RunFunc executes one pipeline run.
type RunFunc func(ctx context.Context, req pipeline.Request) (models.Job, error)

// ExportFunc writes a finished job's artifact and returns its location.
type ExportFunc func(ctx context.Context, job models.Job) (string, error)

// Processor executes queued generation requests one at a time.
type Processor struct {
	queue  *runqueue.Queue
	run    RunFunc
	export ExportFunc
	logger zerolog.Logger
}

// NewProcessor wires the loop. export may be nil to skip artifact export.
func NewProcessor(queue *runqueue.Queue, run RunFunc, export ExportFunc, logger zerolog.Logger) *Processor {
	return &Processor{
		queue:  queue,
		run:    run,
		export: export,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Run loops until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.RunQueueDepth.Set(float64(depth))
		}

		req, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		p.process(ctx, req)
	}
}

// process runs one request with a cancel watcher attached so an API-side
// cancel stops the run at the next batch boundary.
func (p *Processor) process(ctx context.Context, req pipeline.Request) {
	if cancelled, err := p.queue.Cancelled(ctx, req.JobID); err == nil && cancelled {
		p.logger.Info().Str("job_id", req.JobID).Msg("skipping cancelled request")
		_ = p.queue.ClearCancel(ctx, req.JobID)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.queue.WatchCancel(runCtx, req.JobID, cancel)

	job, err := p.run(runCtx, req)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Str("status", job.Status).Msg("run ended early")
	}
	_ = p.queue.ClearCancel(ctx, req.JobID)

	if p.export == nil || len(job.Scenes) == 0 {
		return
	}
	if job.Status == models.StatusCompleted || job.Status == models.StatusPartial {
		if loc, err := p.export(ctx, job); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("export failed")
		} else {
			p.logger.Info().Str("job_id", job.ID).Str("location", loc).Msg("artifact exported")
		}
	}
}
