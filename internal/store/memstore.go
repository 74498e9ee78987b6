package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/audioscore/api/internal/model"
)

// MemStore is an in-memory JobStore for tests and development. Records
// are deep-copied on the way in and out so callers never share state.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string][]byte
	claims  map[string]claim
	cancels map[string]bool
}

type claim struct {
	owner   string
	expires time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string][]byte),
		claims:  make(map[string]claim),
		cancels: make(map[string]bool),
	}
}

func (s *MemStore) Create(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	return s.putLocked(job)
}

func (s *MemStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *MemStore) Update(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	return s.putLocked(job)
}

func (s *MemStore) putLocked(job *model.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = data
	return nil
}

func (s *MemStore) Claim(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if c, ok := s.claims[jobID]; ok && c.owner != ownerID && c.expires.After(now) {
		return false, nil
	}
	s.claims[jobID] = claim{owner: ownerID, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemStore) RefreshClaim(ctx context.Context, jobID, ownerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[jobID]
	if !ok || c.owner != ownerID || c.expires.Before(time.Now()) {
		return ErrClaimLost
	}
	s.claims[jobID] = claim{owner: ownerID, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemStore) ReleaseClaim(ctx context.Context, jobID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[jobID]; ok && c.owner == ownerID {
		delete(s.claims, jobID)
	}
	return nil
}

func (s *MemStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	s.cancels[jobID] = true
	return nil
}

func (s *MemStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[jobID], nil
}

func (s *MemStore) Close() error { return nil }
