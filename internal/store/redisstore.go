package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/audioscore/api/internal/model"
)

// RedisStore persists job records as JSON under job:<id> keys, mirroring
// the queue's backing store so a single Redis carries both. Claims are
// SET NX keys with a TTL; cancellation requests are flag keys polled by
// the engine at stage boundaries.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func jobKey(jobID string) string    { return fmt.Sprintf("job:%s", jobID) }
func claimKey(jobID string) string  { return fmt.Sprintf("job:%s:claim", jobID) }
func cancelKey(jobID string) string { return fmt.Sprintf("job:%s:cancel", jobID) }

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.client.Set(ctx, jobKey(job.ID), data, s.retention).Err()
}

func (s *RedisStore) Claim(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, claimKey(jobID), ownerID, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-claiming our own job (redelivery to the same worker) is allowed.
	holder, err := s.client.Get(ctx, claimKey(jobID)).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if holder == ownerID {
		return true, s.client.Expire(ctx, claimKey(jobID), ttl).Err()
	}
	return false, nil
}

func (s *RedisStore) RefreshClaim(ctx context.Context, jobID, ownerID string, ttl time.Duration) error {
	holder, err := s.client.Get(ctx, claimKey(jobID)).Result()
	if err == redis.Nil || (err == nil && holder != ownerID) {
		return ErrClaimLost
	}
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, claimKey(jobID), ttl).Err()
}

func (s *RedisStore) ReleaseClaim(ctx context.Context, jobID, ownerID string) error {
	holder, err := s.client.Get(ctx, claimKey(jobID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder == ownerID {
		return s.client.Del(ctx, claimKey(jobID)).Err()
	}
	return nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	exists, err := s.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.Set(ctx, cancelKey(jobID), "1", s.retention).Err()
}

func (s *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	_, err := s.client.Get(ctx, cancelKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
