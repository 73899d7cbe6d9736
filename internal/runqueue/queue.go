// Package runqueue hands generation requests from the API to the worker
// through Redis.
package runqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scene-pipeline/internal/pipeline"
)

const (
	readyKey     = "runqueue:ready"
	cancelPrefix = "runqueue:cancel:"

	// cancelTTL bounds how long a cancel marker can outlive its job.
	cancelTTL = 24 * time.Hour

	dequeueBlock = 2 * time.Second
	cancelPoll   = 500 * time.Millisecond
)

// Queue is a single ready list of pending generation requests.
type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func cancelKey(jobID string) string {
	return cancelPrefix + jobID
}

// Enqueue appends a request to the ready list and clears any stale cancel
// marker left over from a previous run of the same job.
func (q *Queue) Enqueue(ctx context.Context, req pipeline.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, cancelKey(req.JobID))
	pipe.RPush(ctx, readyKey, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}

// Dequeue blocks briefly for the next request. The boolean is false when the
// wait timed out with nothing ready.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Request, bool, error) {
	res, err := q.client.BLPop(ctx, dequeueBlock, readyKey).Result()
	if err == redis.Nil {
		return pipeline.Request{}, false, nil
	}
	if err != nil {
		return pipeline.Request{}, false, fmt.Errorf("dequeue request: %w", err)
	}
	var req pipeline.Request
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return pipeline.Request{}, false, fmt.Errorf("decode request: %w", err)
	}
	return req, true, nil
}

// Cancel marks a job so the worker stops it at the next batch boundary, or
// skips it entirely if it has not started yet.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.client.Set(ctx, cancelKey(jobID), "1", cancelTTL).Err()
}

// Cancelled reports whether a cancel marker exists for the job.
func (q *Queue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearCancel removes the marker once a run has fully stopped.
func (q *Queue) ClearCancel(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, cancelKey(jobID)).Err()
}

// Depth returns the number of queued requests.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// WatchCancel polls the cancel marker and invokes cancel when it appears.
// It returns when ctx is done.
func (q *Queue) WatchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if yes, err := q.Cancelled(ctx, jobID); err == nil && yes {
				cancel()
				return
			}
		}
	}
}
