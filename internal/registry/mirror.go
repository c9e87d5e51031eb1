package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scenerunr/api/internal/types"
)

// Mirror is a durable, TTL-bounded copy of job snapshots. It outlives
// this process and serves status reads for jobs another instance owns.
// It is never consulted for a job the local registry still holds.
type Mirror interface {
	Set(ctx context.Context, job types.RenderJob) error
	Get(ctx context.Context, jobID string) (types.RenderJob, bool, error)
}

// NoopMirror discards writes. Used when no mirror backend is configured.
type NoopMirror struct{}

func (NoopMirror) Set(context.Context, types.RenderJob) error { return nil }

func (NoopMirror) Get(context.Context, string) (types.RenderJob, bool, error) {
	return types.RenderJob{}, false, nil
}

// redisClient is the subset of the go-redis client the mirror uses
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisMirror keeps one JSON snapshot per job under a TTL, so entries
// for crashed or evicted jobs expire on their own.
type RedisMirror struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisMirror creates a mirror writing to the given Redis client
func NewRedisMirror(client redisClient, prefix string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) key(jobID string) string {
	return m.prefix + jobID
}

// Set stores the snapshot and refreshes its TTL
func (m *RedisMirror) Set(ctx context.Context, job types.RenderJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.key(job.JobID), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mirror job %s: %w", job.JobID, err)
	}
	return nil
}

// Get fetches a mirrored snapshot. A missing or expired key is not an
// error; it reports found=false.
func (m *RedisMirror) Get(ctx context.Context, jobID string) (types.RenderJob, bool, error) {
	payload, err := m.client.Get(ctx, m.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.RenderJob{}, false, nil
	}
	if err != nil {
		return types.RenderJob{}, false, fmt.Errorf("failed to read mirrored job %s: %w", jobID, err)
	}

	var job types.RenderJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return types.RenderJob{}, false, fmt.Errorf("failed to decode mirrored job %s: %w", jobID, err)
	}
	return job, true, nil
}
