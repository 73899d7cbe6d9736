package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/notify"
	"scene-pipeline/internal/telemetry"
)

// Source labels where a merged read's winning copy came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Synchronizer fronts the local and remote tiers. Reads degrade silently to
// the local copy on any remote failure; writes always land locally first and
// reach the remote tier via a backoff retry queue when it is unreachable.
type Synchronizer struct {
	local  *Local
	remote *Remote
	bus    *notify.Bus
	logger zerolog.Logger

	retryBase   time.Duration
	maxAttempts int

	mu      sync.Mutex
	pending map[string]*retryEntry
	timer   *time.Timer
	stopped bool
}

type retryEntry struct {
	job      models.Job
	attempts int
	nextAt   time.Time
	gen      int
}

// NewSynchronizer wires the facade. bus may not be nil.
func NewSynchronizer(local *Local, remote *Remote, bus *notify.Bus, retryBase time.Duration, maxAttempts int, logger zerolog.Logger) *Synchronizer {
	if retryBase == 0 {
		retryBase = 5 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	return &Synchronizer{
		local:       local,
		remote:      remote,
		bus:         bus,
		logger:      logger.With().Str("component", "sync").Logger(),
		retryBase:   retryBase,
		maxAttempts: maxAttempts,
		pending:     make(map[string]*retryEntry),
	}
}

// GetJob reads one job, merging tiers when both hold a copy.
func (s *Synchronizer) GetJob(ctx context.Context, id string) (models.Job, Source, bool, error) {
	localJob, haveLocal, err := s.local.Get(ctx, id)
	if err != nil {
		return models.Job{}, SourceLocal, false, err
	}
	if !s.remote.Enabled() {
		return localJob, SourceLocal, haveLocal, nil
	}

	remoteJob, remoteErr := s.remote.Get(ctx, id)
	if remoteErr != nil {
		// Transport, auth, and not-found failures all degrade to the local copy.
		if !errors.Is(remoteErr, ErrNotFound) {
			s.logger.Debug().Err(remoteErr).Str("job_id", id).Msg("remote read failed, using local copy")
		}
		return localJob, SourceLocal, haveLocal, nil
	}

	if tombstoned, _ := s.local.Tombstoned(ctx, id); tombstoned && !haveLocal {
		// Locally deleted within the grace period; a lingering remote copy
		// must not resurrect the job.
		return models.Job{}, SourceLocal, false, nil
	}
	if !haveLocal {
		return remoteJob, SourceRemote, true, nil
	}
	if remoteWins(localJob, remoteJob) {
		return remoteJob, SourceRemote, true, nil
	}
	return localJob, SourceLocal, true, nil
}

// List returns the merged view of both tiers, conflicts resolved per id.
func (s *Synchronizer) List(ctx context.Context) ([]models.Job, Source, error) {
	localJobs, err := s.local.List(ctx)
	if err != nil {
		return nil, SourceLocal, err
	}
	if !s.remote.Enabled() {
		return localJobs, SourceLocal, nil
	}

	remoteJobs, remoteErr := s.remote.List(ctx)
	if remoteErr != nil {
		s.logger.Debug().Err(remoteErr).Msg("remote list failed, using local copies")
		return localJobs, SourceLocal, nil
	}

	byID := make(map[string]models.Job, len(localJobs)+len(remoteJobs))
	order := make([]string, 0, len(localJobs)+len(remoteJobs))
	for _, j := range localJobs {
		byID[j.ID] = j
		order = append(order, j.ID)
	}
	for _, rj := range remoteJobs {
		if lj, ok := byID[rj.ID]; ok {
			byID[rj.ID] = Resolve(lj, rj)
			continue
		}
		if tombstoned, _ := s.local.Tombstoned(ctx, rj.ID); tombstoned {
			continue
		}
		byID[rj.ID] = rj
		order = append(order, rj.ID)
	}

	merged := make([]models.Job, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged, SourceRemote, nil
}

// SetJob persists a job: local synchronously (the durability guarantee),
// remote immediately when configured, falling back to the retry queue.
func (s *Synchronizer) SetJob(ctx context.Context, job models.Job) error {
	now := time.Now().UTC()
	job.UpdatedAt = now
	job.ExpiresAt = models.ExpiryFor(job.Status, now)

	if err := s.local.Set(ctx, job); err != nil {
		return err
	}
	s.bus.JobUpdated(job.ID)

	if !s.remote.Enabled() {
		return nil
	}

	switch err := s.remote.Put(ctx, job); {
	case err == nil:
		s.dropPending(job.ID)
	case errors.Is(err, ErrUnauthorized):
		// The key is invalid; retrying any queued write is pointless.
		s.logger.Warn().Str("job_id", job.ID).Msg("remote write unauthorized, clearing retry queue")
		s.clearPending()
	default:
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remote write failed, queueing retry")
		s.enqueueRetry(job)
	}
	return nil
}

// DeleteJob removes a job from the local tier immediately and the remote tier
// best-effort. Remote delete failures are logged, never queued; the local
// tombstone keeps the id authoritative for the grace period.
func (s *Synchronizer) DeleteJob(ctx context.Context, id string) error {
	if err := s.local.Delete(ctx, id); err != nil {
		return err
	}
	s.dropPending(id)
	s.bus.Publish(notify.Event{Kind: notify.KindJobDeleted, JobID: id})

	if s.remote.Enabled() {
		if err := s.remote.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("remote delete failed")
		}
	}
	return nil
}

// Clear wipes both tiers. Local failures are surfaced; the remote clear is
// best-effort like a delete.
func (s *Synchronizer) Clear(ctx context.Context) error {
	ids, err := s.local.IDs(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, id := range ids {
		if err := s.local.Delete(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.clearPending()
	s.bus.Publish(notify.Event{Kind: notify.KindJobDeleted})

	if s.remote.Enabled() {
		if err := s.remote.Clear(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("remote clear failed")
		}
	}
	return errs.ErrorOrNil()
}

// SyncJobToCloud promotes one local record to the remote tier and, only on
// confirmed success, discards the local copy. The discard leaves no
// tombstone: this is a promotion, not a delete.
func (s *Synchronizer) SyncJobToCloud(ctx context.Context, id string) error {
	if !s.remote.Enabled() {
		return ErrRemoteDisabled
	}
	job, ok, err := s.local.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.remote.Put(ctx, job); err != nil {
		return err
	}
	if err := s.local.Discard(ctx, id); err != nil {
		return err
	}
	s.dropPending(id)
	s.bus.JobUpdated(id)
	return nil
}

// PendingRetries reports the retry queue depth.
func (s *Synchronizer) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels the retry timer.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// enqueueRetry adds or replaces the pending entry for the job's id. A
// replaced entry starts its attempt count over: the newest payload is what
// must reach the remote tier.
func (s *Synchronizer) enqueueRetry(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := 0
	if prev, ok := s.pending[job.ID]; ok {
		gen = prev.gen + 1
	}
	s.pending[job.ID] = &retryEntry{
		job:    job,
		nextAt: time.Now().Add(s.retryBase),
		gen:    gen,
	}
	telemetry.RetryQueueDepth.Set(float64(len(s.pending)))
	s.scheduleLocked()
}

func (s *Synchronizer) dropPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	telemetry.RetryQueueDepth.Set(float64(len(s.pending)))
}

func (s *Synchronizer) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*retryEntry)
	telemetry.RetryQueueDepth.Set(0)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// scheduleLocked arms the retry timer for the earliest due entry. The timer
// exists only while the queue is non-empty; callers hold s.mu.
func (s *Synchronizer) scheduleLocked() {
	if s.stopped || len(s.pending) == 0 {
		return
	}
	var earliest time.Time
	for _, e := range s.pending {
		if earliest.IsZero() || e.nextAt.Before(earliest) {
			earliest = e.nextAt
		}
	}
	delay := time.Until(earliest)
	if delay < 0 {
		delay = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.flush)
}

// flush retries every due entry once, then reschedules while entries remain.
func (s *Synchronizer) flush() {
	s.mu.Lock()
	now := time.Now()
	type attempt struct {
		id  string
		job models.Job
		gen int
	}
	due := make([]attempt, 0, len(s.pending))
	for id, e := range s.pending {
		if !e.nextAt.After(now) {
			due = append(due, attempt{id: id, job: e.job, gen: e.gen})
		}
	}
	s.mu.Unlock()

	for _, a := range due {
		ctx, cancel := context.WithTimeout(context.Background(), s.remote.http.Timeout)
		err := s.remote.Put(ctx, a.job)
		cancel()

		s.mu.Lock()
		e, ok := s.pending[a.id]
		if !ok || e.gen != a.gen {
			// Replaced or cleared while we were writing; its fate is settled.
			s.mu.Unlock()
			continue
		}
		switch {
		case err == nil:
			delete(s.pending, a.id)
		case errors.Is(err, ErrUnauthorized):
			s.logger.Warn().Msg("retry unauthorized, clearing retry queue")
			s.pending = make(map[string]*retryEntry)
		default:
			e.attempts++
			if e.attempts >= s.maxAttempts {
				delete(s.pending, a.id)
				telemetry.RemoteSyncFailed.Inc()
				s.logger.Error().Str("job_id", a.id).Int("attempts", e.attempts).Msg("remote sync failed, dropping entry")
				s.mu.Unlock()
				s.bus.Publish(notify.Event{Kind: notify.KindSyncFailed, JobID: a.id, Detail: err.Error()})
				s.mu.Lock()
			} else {
				e.nextAt = time.Now().Add(s.retryBase << e.attempts)
			}
		}
		telemetry.RetryQueueDepth.Set(float64(len(s.pending)))
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.timer = nil
	s.scheduleLocked()
	s.mu.Unlock()
}
