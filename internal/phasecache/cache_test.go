package phasecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scene-pipeline/internal/config"
	"scene-pipeline/internal/models"
)

func newTestCache(t *testing.T, cfg config.Config) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, cfg, zerolog.Nop()), mr
}

func TestPhaseSlotsUpsert(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, config.Config{})

	require.NoError(t, cache.CachePhase0(ctx, "job-1", models.StyleProfile{Style: "noir", Confidence: 0.9}))
	require.NoError(t, cache.CachePhase1(ctx, "job-1", Phase1Result{
		Background: "a coastal town in winter",
		Registry:   map[string]string{"Mara": "the lighthouse keeper"},
	}))

	// Re-running phase 0 overwrites only its own slot.
	require.NoError(t, cache.CachePhase0(ctx, "job-1", models.StyleProfile{Style: "pastel", Confidence: 0.7}))

	entry, ok, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pastel", entry.Phase0.Style)
	assert.Equal(t, "a coastal town in winter", entry.Phase1.Background)
	assert.Equal(t, "the lighthouse keeper", entry.Phase1.Registry["Mara"])
}

func TestBatchSlotsIndependent(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, config.Config{})

	require.NoError(t, cache.CacheBatch(ctx, "job-1", 1, []models.Scene{{SceneNumber: 1, Description: "opening shot"}}, nil))
	// A slow batch 3 lands before batch 2; slots must not interfere.
	require.NoError(t, cache.CacheBatch(ctx, "job-1", 3, []models.Scene{{SceneNumber: 9, Description: "finale"}}, nil))
	require.NoError(t, cache.CacheBatch(ctx, "job-1", 2, []models.Scene{{SceneNumber: 5, Description: "midpoint"}}, map[string]string{"Jun": "a courier"}))

	entry, ok, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.Batches, 3)
	assert.Equal(t, "opening shot", entry.Batches[1].Scenes[0].Description)
	assert.Equal(t, "midpoint", entry.Batches[2].Scenes[0].Description)
	assert.Equal(t, "finale", entry.Batches[3].Scenes[0].Description)
	assert.Equal(t, "a courier", entry.Batches[2].Entities["Jun"])
}

func TestCacheBatchWaitNoLostUpdate(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, config.Config{PhaseLockTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(batch int) {
			defer wg.Done()
			err := cache.CacheBatchWait(ctx, "job-1", batch, []models.Scene{{SceneNumber: batch}}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entry, ok, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.Batches, 2, "both concurrent batch writes must persist")
}

func TestCacheBatchWaitForceTakesAbandonedLock(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, config.Config{PhaseLockTimeout: 500 * time.Millisecond})

	// Simulate a crashed holder that never released.
	require.NoError(t, mr.Set(lockPrefix+"job-1", "1"))

	start := time.Now()
	err := cache.CacheBatchWait(ctx, "job-1", 1, []models.Scene{{SceneNumber: 1}}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	entry, ok, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.Batches, 1)
}

func TestAddLogTruncatesBodies(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, config.Config{LogBodyLimit: 32})

	long := strings.Repeat("x", 1000)
	require.NoError(t, cache.AddLog(ctx, "job-1", LogEntry{Phase: "batch-2", Request: long, Response: long}))

	entry, ok, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.Logs, 1)
	assert.Len(t, entry.Logs[0].Request, 32)
	assert.Len(t, entry.Logs[0].Response, 32)
	assert.False(t, entry.Logs[0].At.IsZero())
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	// "héllo" is 6 bytes; a limit of 2 lands inside the two-byte é.
	got := truncate("héllo", 2)
	assert.Equal(t, "h", got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "héllo", truncate("héllo", 0), "zero limit means unlimited")
	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, config.Config{})

	require.NoError(t, cache.CachePhase0(ctx, "job-1", models.StyleProfile{Style: "noir"}))
	require.NoError(t, cache.AddLog(ctx, "job-1", LogEntry{Phase: "phase0"}))
	require.NoError(t, cache.Clear(ctx, "job-1"))

	_, ok, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOldestEviction(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, config.Config{PhaseCacheMax: 3})

	for i := 0; i < 5; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		require.NoError(t, cache.CachePhase0(ctx, jobID, models.StyleProfile{Style: "s"}))
		time.Sleep(2 * time.Millisecond) // distinct recency scores
	}

	_, ok, err := cache.Get(ctx, "job-0")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry should be evicted")

	_, ok, err = cache.Get(ctx, "job-4")
	require.NoError(t, err)
	assert.True(t, ok)
}
