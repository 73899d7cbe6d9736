// Package store holds the two job storage tiers and the synchronizer that
// reconciles them.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/models"
)

const (
	jobPrefix       = "scene:job:"
	jobIndexKey     = "scene:jobs:index"
	tombstonePrefix = "scene:tombstone:"

	// TombstoneGrace is how long an explicit local delete is treated as
	// authoritative over a lingering remote copy.
	TombstoneGrace = 10 * time.Minute
)

// Local is the always-available synchronous tier. Records carry their own
// expiration and are logically deleted on read once expired; capacity is
// bounded with oldest-first eviction.
type Local struct {
	client  *redis.Client
	maxJobs int
	logger  zerolog.Logger
}

// NewLocal wraps a Redis client as the local tier.
func NewLocal(client *redis.Client, maxJobs int, logger zerolog.Logger) *Local {
	if maxJobs == 0 {
		maxJobs = 50
	}
	return &Local{
		client:  client,
		maxJobs: maxJobs,
		logger:  logger.With().Str("component", "localstore").Logger(),
	}
}

func jobKey(id string) string       { return jobPrefix + id }
func tombstoneKey(id string) string { return tombstonePrefix + id }

// Get reads one job. Expired records are deleted and reported absent.
func (l *Local) Get(ctx context.Context, id string) (models.Job, bool, error) {
	raw, err := l.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("read job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		// A malformed record is unrecoverable; drop it rather than wedging reads.
		l.logger.Warn().Str("job_id", id).Err(err).Msg("dropping malformed job record")
		_ = l.discard(ctx, id)
		return models.Job{}, false, nil
	}
	if job.Expired(time.Now()) {
		_ = l.discard(ctx, id)
		return models.Job{}, false, nil
	}
	return job, true, nil
}

// List returns all live jobs, most recently updated first.
func (l *Local) List(ctx context.Context) ([]models.Job, error) {
	ids, err := l.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read job index: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Set upserts a job and clears any tombstone for its id.
func (l *Local) Set(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), raw, 0)
	pipe.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(job.UpdatedAt.UnixMilli()), Member: job.ID})
	pipe.Del(ctx, tombstoneKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	return l.evictOldest(ctx)
}

// Delete removes a job and records a tombstone so the id is not resurrected
// from a stale remote copy during the grace period.
func (l *Local) Delete(ctx context.Context, id string) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, jobIndexKey, id)
	pipe.Set(ctx, tombstoneKey(id), "1", TombstoneGrace)
	_, err := pipe.Exec(ctx)
	return err
}

// Discard removes a job without leaving a tombstone. Used when the record has
// been promoted to the remote tier rather than deleted.
func (l *Local) Discard(ctx context.Context, id string) error {
	return l.discard(ctx, id)
}

func (l *Local) discard(ctx context.Context, id string) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, jobIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Tombstoned reports whether an unexpired tombstone exists for the id.
func (l *Local) Tombstoned(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, tombstoneKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IDs returns every job id currently indexed, oldest first.
func (l *Local) IDs(ctx context.Context) ([]string, error) {
	return l.client.ZRange(ctx, jobIndexKey, 0, -1).Result()
}

func (l *Local) evictOldest(ctx context.Context) error {
	count, err := l.client.ZCard(ctx, jobIndexKey).Result()
	if err != nil {
		return err
	}
	excess := count - int64(l.maxJobs)
	if excess <= 0 {
		return nil
	}
	oldest, err := l.client.ZRange(ctx, jobIndexKey, 0, excess-1).Result()
	if err != nil {
		return err
	}
	for _, id := range oldest {
		l.logger.Debug().Str("job_id", id).Msg("evicting oldest job record")
		if err := l.discard(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
