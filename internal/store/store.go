// Package store persists job records. Records must survive worker
// restarts so that queue redelivery can resume a job from its last
// durably completed stage. Three backends exist: Redis (default,
// matches the queue's backing store), SQLite for deployments without a
// persistent Redis, and an in-memory store for tests and development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/audioscore/api/internal/model"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
	ErrClaimLost     = errors.New("job claim lost")
)

// JobStore is the durable record store for jobs.
//
// Claim/RefreshClaim/ReleaseClaim implement the per-job mutual exclusion
// invariant: at most one owner may hold the right to mutate a job's
// status and current stage at any time. Claims expire after their TTL so
// a crashed worker cannot wedge a job forever; the redelivered execution
// claims it afresh.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) error

	Claim(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error)
	RefreshClaim(ctx context.Context, jobID, ownerID string, ttl time.Duration) error
	ReleaseClaim(ctx context.Context, jobID, ownerID string) error

	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	Close() error
}
