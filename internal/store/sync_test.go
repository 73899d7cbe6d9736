package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/notify"
)

// fakeRemote implements the remote store contract in-memory for tests.
type fakeRemote struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	key      string
	failWith int // when non-zero, every request gets this status
}

func newFakeRemote(key string) *fakeRemote {
	return &fakeRemote{jobs: make(map[string]models.Job), key: key}
}

func (f *fakeRemote) setFailure(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = status
}

func (f *fakeRemote) get(id string) (models.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeRemote) put(j models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		return
	}
	if r.Header.Get(StorageKeyHeader) != f.key {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/jobs")
	id = strings.TrimPrefix(id, "/")

	switch {
	case r.Method == http.MethodGet && id == "":
		jobs := make([]models.Job, 0, len(f.jobs))
		for _, j := range f.jobs {
			jobs = append(jobs, j)
		}
		_ = json.NewEncoder(w).Encode(jobs)
	case r.Method == http.MethodGet:
		j, ok := f.jobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(j)
	case r.Method == http.MethodPut:
		var j models.Job
		if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.jobs[id] = j
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete && id == "":
		f.jobs = make(map[string]models.Job)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(f.jobs, id)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type syncFixture struct {
	sync   *Synchronizer
	local  *Local
	remote *fakeRemote
	bus    *notify.Bus
}

func newSyncFixture(t *testing.T, apiKey string) *syncFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	fake := newFakeRemote("secret")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	local := NewLocal(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 50, zerolog.Nop())
	remote := NewRemote(srv.URL, apiKey, 2*time.Second)
	bus := notify.NewBus(nil, zerolog.Nop())

	s := NewSynchronizer(local, remote, bus, 10*time.Millisecond, 3, zerolog.Nop())
	t.Cleanup(s.Stop)
	return &syncFixture{sync: s, local: local, remote: fake, bus: bus}
}

func TestLocalOnlyMode(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "") // no storage key

	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-1", models.StatusCompleted)))
	assert.Equal(t, 0, fx.sync.PendingRetries())

	job, src, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SourceLocal, src)
	assert.Equal(t, "job-1", job.ID)

	_, ok = fx.remote.get("job-1")
	assert.False(t, ok, "no remote write without a key")
}

func TestWritePropagatesToRemote(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-1", models.StatusCompleted)))
	assert.Equal(t, 0, fx.sync.PendingRetries())

	_, ok := fx.remote.get("job-1")
	assert.True(t, ok)
}

func TestWriteStampsExpiryFromStatus(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "")

	require.NoError(t, fx.sync.SetJob(ctx, testJob("done", models.StatusCompleted)))
	require.NoError(t, fx.sync.SetJob(ctx, testJob("broken", models.StatusFailed)))

	done, _, _, err := fx.sync.GetJob(ctx, "done")
	require.NoError(t, err)
	broken, _, _, err := fx.sync.GetJob(ctx, "broken")
	require.NoError(t, err)
	assert.True(t, done.ExpiresAt.After(broken.ExpiresAt), "failed jobs get the shorter horizon")
}

func TestRetryQueueExhaustion(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")
	events := fx.bus.Subscribe()
	fx.remote.setFailure(http.StatusInternalServerError)

	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-1", models.StatusCompleted)))
	assert.Equal(t, 1, fx.sync.PendingRetries())

	assert.Eventually(t, func() bool { return fx.sync.PendingRetries() == 0 }, 3*time.Second, 5*time.Millisecond,
		"entry must be dropped after max attempts")

	var syncFailed int
	deadline := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Kind == notify.KindSyncFailed {
				syncFailed++
			}
		case <-deadline:
			done = true
		}
	}
	assert.Equal(t, 1, syncFailed, "sync-failed notification fires exactly once")

	// The durable local copy is untouched.
	_, _, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetrySucceedsAfterRecovery(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")
	fx.remote.setFailure(http.StatusInternalServerError)

	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-1", models.StatusCompleted)))
	require.Equal(t, 1, fx.sync.PendingRetries())

	fx.remote.setFailure(0)
	assert.Eventually(t, func() bool {
		_, ok := fx.remote.get("job-1")
		return ok && fx.sync.PendingRetries() == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestUnauthorizedClearsQueueAndSkipsRetry(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "wrong-key")
	fx.remote.setFailure(http.StatusInternalServerError)

	// Seed a pending entry via a transport failure.
	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-1", models.StatusCompleted)))
	require.Equal(t, 1, fx.sync.PendingRetries())

	// Now the server answers; the bad key yields 401, which empties the queue
	// instead of enqueueing.
	fx.remote.setFailure(0)
	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-2", models.StatusCompleted)))
	assert.Equal(t, 0, fx.sync.PendingRetries())

	// Both local copies are retained.
	_, _, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, _, ok, err = fx.sync.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.local.Set(ctx, testJob("job-1", models.StatusPartial)))
	fx.remote.setFailure(http.StatusInternalServerError)

	job, src, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err, "remote read failures are never surfaced")
	require.True(t, ok)
	assert.Equal(t, SourceLocal, src)
	assert.Equal(t, models.StatusPartial, job.Status)
}

func TestConflictResolutionPrefersCompleted(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	localJob := testJob("job-1", models.StatusPartial)
	localJob.Scenes = make([]models.Scene, 3)
	require.NoError(t, fx.local.Set(ctx, localJob))

	remoteJob := testJob("job-1", models.StatusCompleted)
	remoteJob.Scenes = make([]models.Scene, 2)
	fx.remote.put(remoteJob)

	job, src, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SourceRemote, src)
	assert.Equal(t, models.StatusCompleted, job.Status)

	// The losing local copy is not deleted by the read.
	stillThere, _, err := fx.local.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, stillThere.Status)
}

func TestTombstoneBlocksRemoteResurrection(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.local.Set(ctx, testJob("job-1", models.StatusCompleted)))
	fx.remote.put(testJob("job-1", models.StatusCompleted))

	// The remote delete fails; the local tombstone must keep the id dead.
	fx.remote.setFailure(http.StatusInternalServerError)
	require.NoError(t, fx.sync.DeleteJob(ctx, "job-1"))
	fx.remote.setFailure(0)

	_, _, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "a stale remote copy must not resurrect a deleted job")

	jobs, _, err := fx.sync.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDeleteJobAppliesToBothTiers(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.sync.SetJob(ctx, testJob("job-1", models.StatusCompleted)))
	require.NoError(t, fx.sync.DeleteJob(ctx, "job-1"))

	_, _, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = fx.remote.get("job-1")
	assert.False(t, ok)
}

func TestSyncJobToCloudPromotes(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.local.Set(ctx, testJob("job-1", models.StatusCompleted)))
	require.NoError(t, fx.sync.SyncJobToCloud(ctx, "job-1"))

	_, ok := fx.remote.get("job-1")
	assert.True(t, ok)

	_, ok, err := fx.local.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "local copy removed after confirmed promotion")

	// No tombstone: the job is still readable from the remote tier.
	job, src, ok, err := fx.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SourceRemote, src)
	assert.Equal(t, "job-1", job.ID)
}

func TestSyncJobToCloudKeepsLocalOnFailure(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.local.Set(ctx, testJob("job-1", models.StatusCompleted)))
	fx.remote.setFailure(http.StatusInternalServerError)

	require.Error(t, fx.sync.SyncJobToCloud(ctx, "job-1"))
	_, ok, err := fx.local.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok, "local copy kept when promotion fails")
	assert.Equal(t, 0, fx.sync.PendingRetries(), "promotion failures are not queued")
}

func TestListMergesTiers(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t, "secret")

	require.NoError(t, fx.local.Set(ctx, testJob("local-only", models.StatusCompleted)))
	fx.remote.put(testJob("remote-only", models.StatusCompleted))

	shared := testJob("shared", models.StatusPartial)
	shared.Scenes = make([]models.Scene, 4)
	require.NoError(t, fx.local.Set(ctx, shared))
	remoteShared := testJob("shared", models.StatusCompleted)
	fx.remote.put(remoteShared)

	jobs, _, err := fx.sync.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	byID := make(map[string]models.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	assert.Contains(t, byID, "local-only")
	assert.Contains(t, byID, "remote-only")
	assert.Equal(t, models.StatusCompleted, byID["shared"].Status, "conflict resolved per id")
}
