// Package phasecache stores per-phase pipeline results in Redis so a resumed
// job can skip work it already finished. The cache is an optimization, never
// the source of truth: callers must tolerate a miss by re-deriving results.
package phasecache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/config"
	"scene-pipeline/internal/models"
)

const (
	entryPrefix = "phasecache:entry:"
	logPrefix   = "phasecache:log:"
	lockPrefix  = "phasecache:lock:"
	indexKey    = "phasecache:index"

	fieldPhase0 = "phase0"
	fieldPhase1 = "phase1"
	batchField  = "batch:"

	lockPollInterval = 200 * time.Millisecond
)

// Phase1Result is the entity-extraction output cached for a job.
type Phase1Result struct {
	Background string            `json:"background,omitempty"`
	Registry   map[string]string `json:"registry,omitempty"`
}

// BatchEntry is one generation batch's cached output.
type BatchEntry struct {
	Scenes   []models.Scene    `json:"scenes"`
	Entities map[string]string `json:"entities,omitempty"`
}

// LogEntry is one generation-call record. Request and response bodies are
// truncated before storage to respect the backing store's size limits.
type LogEntry struct {
	Phase    string    `json:"phase"`
	Request  string    `json:"request,omitempty"`
	Response string    `json:"response,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Entry is the assembled cache state for one job.
type Entry struct {
	Phase0  *models.StyleProfile `json:"phase0,omitempty"`
	Phase1  *Phase1Result        `json:"phase1,omitempty"`
	Batches map[int]BatchEntry   `json:"batches,omitempty"`
	Logs    []LogEntry           `json:"logs,omitempty"`
}

// Cache fronts the Redis phase cache. Batch writes for the same job are
// serialized by a per-job advisory lock.
type Cache struct {
	client      *redis.Client
	ttl         time.Duration
	maxEntries  int
	lockTimeout time.Duration
	bodyLimit   int
	logger      zerolog.Logger
}

// New builds a phase cache from config.
func New(client *redis.Client, cfg config.Config, logger zerolog.Logger) *Cache {
	ttl := cfg.PhaseCacheTTL
	if ttl == 0 {
		ttl = 6 * time.Hour
	}
	maxEntries := cfg.PhaseCacheMax
	if maxEntries == 0 {
		maxEntries = 20
	}
	lockTimeout := cfg.PhaseLockTimeout
	if lockTimeout == 0 {
		lockTimeout = 10 * time.Second
	}
	bodyLimit := cfg.LogBodyLimit
	if bodyLimit == 0 {
		bodyLimit = 4096
	}
	return &Cache{
		client:      client,
		ttl:         ttl,
		maxEntries:  maxEntries,
		lockTimeout: lockTimeout,
		bodyLimit:   bodyLimit,
		logger:      logger.With().Str("component", "phasecache").Logger(),
	}
}

func (c *Cache) entryKey(jobID string) string { return entryPrefix + jobID }
func (c *Cache) logKey(jobID string) string   { return logPrefix + jobID }
func (c *Cache) lockKey(jobID string) string  { return lockPrefix + jobID }

// CachePhase0 upserts the profile-extraction result. Re-running the phase
// overwrites only this slot.
func (c *Cache) CachePhase0(ctx context.Context, jobID string, profile models.StyleProfile) error {
	return c.setField(ctx, jobID, fieldPhase0, profile)
}

// CachePhase1 upserts the entity-extraction result.
func (c *Cache) CachePhase1(ctx context.Context, jobID string, result Phase1Result) error {
	return c.setField(ctx, jobID, fieldPhase1, result)
}

// CacheBatch upserts one batch slot without waiting for the per-job lock. If
// another writer holds the lock the write proceeds anyway with a contention
// warning; batch slots are independent hash fields, so overlapping writers
// for different batch numbers cannot corrupt each other.
func (c *Cache) CacheBatch(ctx context.Context, jobID string, batch int, scenes []models.Scene, entities map[string]string) error {
	acquired, err := c.tryLock(ctx, jobID)
	if err != nil {
		return fmt.Errorf("acquire batch lock: %w", err)
	}
	if !acquired {
		c.logger.Warn().Str("job_id", jobID).Int("batch", batch).Msg("batch cache lock contended, writing anyway")
	} else {
		defer c.unlock(ctx, jobID)
	}
	return c.writeBatch(ctx, jobID, batch, scenes, entities)
}

// CacheBatchWait upserts one batch slot, waiting for the per-job lock with a
// bounded poll. After the timeout the lock is force-taken so a crashed holder
// cannot starve later writers.
func (c *Cache) CacheBatchWait(ctx context.Context, jobID string, batch int, scenes []models.Scene, entities map[string]string) error {
	deadline := time.Now().Add(c.lockTimeout)
	for {
		acquired, err := c.tryLock(ctx, jobID)
		if err != nil {
			return fmt.Errorf("acquire batch lock: %w", err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			c.logger.Warn().Str("job_id", jobID).Int("batch", batch).Msg("batch cache lock timed out, force-taking")
			if err := c.client.Set(ctx, c.lockKey(jobID), "1", c.lockTimeout).Err(); err != nil {
				return fmt.Errorf("force-take batch lock: %w", err)
			}
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer c.unlock(ctx, jobID)
	return c.writeBatch(ctx, jobID, batch, scenes, entities)
}

// AddLog appends one generation-call record, truncating oversized bodies.
func (c *Cache) AddLog(ctx context.Context, jobID string, entry LogEntry) error {
	entry.Request = truncate(entry.Request, c.bodyLimit)
	entry.Response = truncate(entry.Response, c.bodyLimit)
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, c.logKey(jobID), raw)
	pipe.Expire(ctx, c.logKey(jobID), c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Get assembles the cached entry for a job. The bool is false on a miss.
func (c *Cache) Get(ctx context.Context, jobID string) (*Entry, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.entryKey(jobID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read phase cache: %w", err)
	}
	logsRaw, err := c.client.LRange(ctx, c.logKey(jobID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("read phase cache log: %w", err)
	}
	if len(fields) == 0 && len(logsRaw) == 0 {
		return nil, false, nil
	}

	entry := &Entry{Batches: make(map[int]BatchEntry)}
	for field, raw := range fields {
		switch {
		case field == fieldPhase0:
			var p models.StyleProfile
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return nil, false, fmt.Errorf("decode phase0 slot: %w", err)
			}
			entry.Phase0 = &p
		case field == fieldPhase1:
			var p Phase1Result
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return nil, false, fmt.Errorf("decode phase1 slot: %w", err)
			}
			entry.Phase1 = &p
		case strings.HasPrefix(field, batchField):
			n, err := strconv.Atoi(strings.TrimPrefix(field, batchField))
			if err != nil {
				continue
			}
			var b BatchEntry
			if err := json.Unmarshal([]byte(raw), &b); err != nil {
				return nil, false, fmt.Errorf("decode batch slot %d: %w", n, err)
			}
			entry.Batches[n] = b
		}
	}
	for _, raw := range logsRaw {
		var l LogEntry
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue // a malformed log line never blocks the entry
		}
		entry.Logs = append(entry.Logs, l)
	}
	return entry, true, nil
}

// Clear deletes a job's cache entry, log, and lock.
func (c *Cache) Clear(ctx context.Context, jobID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.entryKey(jobID))
	pipe.Del(ctx, c.logKey(jobID))
	pipe.Del(ctx, c.lockKey(jobID))
	pipe.ZRem(ctx, indexKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) setField(ctx context.Context, jobID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s slot: %w", field, err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.entryKey(jobID), field, raw)
	pipe.Expire(ctx, c.entryKey(jobID), c.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return c.evictOldest(ctx)
}

func (c *Cache) writeBatch(ctx context.Context, jobID string, batch int, scenes []models.Scene, entities map[string]string) error {
	return c.setField(ctx, jobID, fmt.Sprintf("%s%d", batchField, batch), BatchEntry{Scenes: scenes, Entities: entities})
}

func (c *Cache) tryLock(ctx context.Context, jobID string) (bool, error) {
	return c.client.SetNX(ctx, c.lockKey(jobID), "1", c.lockTimeout).Result()
}

func (c *Cache) unlock(ctx context.Context, jobID string) {
	if err := c.client.Del(ctx, c.lockKey(jobID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("release batch cache lock failed")
	}
}

// evictOldest trims the cache to its entry cap, oldest job first.
func (c *Cache) evictOldest(ctx context.Context) error {
	count, err := c.client.ZCard(ctx, indexKey).Result()
	if err != nil {
		return err
	}
	excess := count - int64(c.maxEntries)
	if excess <= 0 {
		return nil
	}
	oldest, err := c.client.ZRange(ctx, indexKey, 0, excess-1).Result()
	if err != nil {
		return err
	}
	for _, jobID := range oldest {
		if err := c.Clear(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so the stored tail stays valid UTF-8.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
