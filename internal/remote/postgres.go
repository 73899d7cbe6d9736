// Package remote is the server side of the job store contract the
// synchronizer's remote tier speaks: a keyed HTTP API over Postgres.
package remote

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scene-pipeline/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps pgxpool for Postgres persistence of full job documents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a pooled connection to Postgres.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ErrJobNotFound marks a miss, mapped to 404 by the handler.
var ErrJobNotFound = errors.New("job not found")

// Put upserts the full job document. The row's status and timestamps are
// denormalized from the body for indexing and expiry.
func (s *Store) Put(ctx context.Context, job models.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var expires *time.Time
	if !job.ExpiresAt.IsZero() {
		expires = &job.ExpiresAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, body, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, body = EXCLUDED.body,
		    updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
	`, job.ID, job.Status, body, job.UpdatedAt, expires)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// Get fetches one unexpired job. Expired rows are treated as absent and
// reaped in passing.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM jobs
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		s.reapExpired(ctx)
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("query job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, nil
}

// List returns all unexpired jobs, newest first.
func (s *Store) List(ctx context.Context) ([]models.Job, error) {
	s.reapExpired(ctx)
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM jobs
		WHERE expires_at IS NULL OR expires_at > NOW()
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes one job.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Clear removes every job.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	return nil
}

// reapExpired is best effort; reads already exclude expired rows.
func (s *Store) reapExpired(ctx context.Context) {
	_, _ = s.pool.Exec(ctx, `DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
}
