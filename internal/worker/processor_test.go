package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/pipeline"
	"scene-pipeline/internal/runqueue"
)

type recorder struct {
	mu       sync.Mutex
	ran      []string
	exported []string
}

func (r *recorder) run(_ context.Context, req pipeline.Request) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, req.JobID)
	return models.Job{
		ID:     req.JobID,
		Status: models.StatusCompleted,
		Scenes: []models.Scene{{SceneNumber: 1, Description: "shot"}},
	}, nil
}

func (r *recorder) export(_ context.Context, job models.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exported = append(r.exported, job.ID)
	return "/tmp/" + job.ID + ".json", nil
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...), append([]string(nil), r.exported...)
}

func newTestQueue(t *testing.T) *runqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return runqueue.New(client)
}

func TestProcessorRunsAndExports(t *testing.T) {
	queue := newTestQueue(t)
	rec := &recorder{}
	proc := NewProcessor(queue, rec.run, rec.export, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.Enqueue(ctx, pipeline.Request{JobID: "job-1", SourceURL: "https://example.com/v.mp4"}))

	done := make(chan struct{})
	go func() {
		_ = proc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		ran, exported := rec.snapshot()
		return len(ran) == 1 && len(exported) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	ran, exported := rec.snapshot()
	assert.Equal(t, []string{"job-1"}, ran)
	assert.Equal(t, []string{"job-1"}, exported)
}

func TestProcessorSkipsPreCancelledRequest(t *testing.T) {
	queue := newTestQueue(t)
	rec := &recorder{}
	proc := NewProcessor(queue, rec.run, rec.export, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.Enqueue(ctx, pipeline.Request{JobID: "job-1"}))
	require.NoError(t, queue.Enqueue(ctx, pipeline.Request{JobID: "job-2"}))
	// Cancel job-1 after it is queued; the worker should drop it unrun.
	require.NoError(t, queue.Cancel(ctx, "job-1"))

	done := make(chan struct{})
	go func() {
		_ = proc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		ran, _ := rec.snapshot()
		return len(ran) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	ran, _ := rec.snapshot()
	assert.Equal(t, []string{"job-2"}, ran)

	marker, err := queue.Cancelled(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, marker, "marker cleared after skip")
}
