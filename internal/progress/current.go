package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scene-pipeline/internal/models"
)

const currentKey = "scene:progress:current"

// CurrentStore persists the single in-flight progress record so an
// interrupted client can offer a resume after restart. At most one job is in
// flight per client, so this is one well-known key.
type CurrentStore struct {
	client *redis.Client
}

// NewCurrentStore wraps a Redis client.
func NewCurrentStore(client *redis.Client) *CurrentStore {
	return &CurrentStore{client: client}
}

// Save overwrites the current progress record.
func (s *CurrentStore) Save(ctx context.Context, rec models.ProgressRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return s.client.Set(ctx, currentKey, raw, 0).Err()
}

// Load returns the current record, or false when none is stored. A malformed
// payload is treated as absent and cleared rather than surfaced.
func (s *CurrentStore) Load(ctx context.Context) (models.ProgressRecord, bool, error) {
	raw, err := s.client.Get(ctx, currentKey).Bytes()
	if err == redis.Nil {
		return models.ProgressRecord{}, false, nil
	}
	if err != nil {
		return models.ProgressRecord{}, false, fmt.Errorf("read progress: %w", err)
	}
	var rec models.ProgressRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		_ = s.client.Del(ctx, currentKey).Err()
		return models.ProgressRecord{}, false, nil
	}
	return rec, true, nil
}

// Clear removes the current record.
func (s *CurrentStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, currentKey).Err()
}
