package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/audioscore/api/internal/model"
)

func newJob(id string) *model.Job {
	return &model.Job{
		ID:           id,
		Status:       model.JobStatusQueued,
		History:      []model.StageAttempt{},
		ArtifactRefs: map[model.StageName]model.ArtifactRef{},
		CreatedAt:    time.Now(),
	}
}

func TestMemStoreCRUD(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	job := newJob("job-1")
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, newJob("job-1")); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.JobStatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}

	// Records are copies: mutating a returned job must not leak.
	got.Status = model.JobStatusFailed
	again, _ := s.Get(ctx, "job-1")
	if again.Status != model.JobStatusQueued {
		t.Error("store leaked shared state between reads")
	}

	got.Status = model.JobStatusRunning
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	updated, _ := s.Get(ctx, "job-1")
	if updated.Status != model.JobStatusRunning {
		t.Errorf("expected running after update, got %s", updated.Status)
	}

	if err := s.Update(ctx, newJob("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestMemStoreClaim(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	ok, err := s.Claim(ctx, "job-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	// Another owner is refused while the claim lives.
	ok, err = s.Claim(ctx, "job-1", "worker-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("foreign claim: ok=%v err=%v", ok, err)
	}

	// The same owner may re-claim.
	ok, err = s.Claim(ctx, "job-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-claim: ok=%v err=%v", ok, err)
	}

	if err := s.RefreshClaim(ctx, "job-1", "worker-a", time.Minute); err != nil {
		t.Errorf("RefreshClaim failed: %v", err)
	}
	if err := s.RefreshClaim(ctx, "job-1", "worker-b", time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost for foreign refresh, got %v", err)
	}

	if err := s.ReleaseClaim(ctx, "job-1", "worker-a"); err != nil {
		t.Errorf("ReleaseClaim failed: %v", err)
	}
	ok, err = s.Claim(ctx, "job-1", "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
}

func TestMemStoreClaimExpiry(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "job-1", "worker-a", 10*time.Millisecond)
	if !ok {
		t.Fatal("first claim refused")
	}
	time.Sleep(20 * time.Millisecond)

	// An expired claim is up for grabs.
	ok, err := s.Claim(ctx, "job-1", "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after expiry: ok=%v err=%v", ok, err)
	}
	if err := s.RefreshClaim(ctx, "job-1", "worker-a", time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost after takeover, got %v", err)
	}
}

func TestMemStoreCancelFlag(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.RequestCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.Create(ctx, newJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	cancelled, err := s.CancelRequested(ctx, "job-1")
	if err != nil || cancelled {
		t.Fatalf("fresh job reports cancelled=%v err=%v", cancelled, err)
	}
	if err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	cancelled, err = s.CancelRequested(ctx, "job-1")
	if err != nil || !cancelled {
		t.Fatalf("expected cancelled flag set: cancelled=%v err=%v", cancelled, err)
	}
}
