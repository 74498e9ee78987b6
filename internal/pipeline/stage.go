package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/audioscore/api/internal/model"
)

// Request is the input handed to a stage execution: the job being
// processed and the artifact produced by the previous stage (the
// original input artifact for the first stage).
type Request struct {
	Job   *model.Job
	Input model.ArtifactRef
}

// Stage is one opaque processing step. Implementations wrap external
// tools; given the same input artifact they should produce an
// equivalent output artifact, so re-running an uncommitted stage after a
// crash is safe.
type Stage interface {
	Name() model.StageName
	Execute(ctx context.Context, req Request) (model.ArtifactRef, error)
}

// BackoffPolicy computes the wait between transient retries of a stage:
// exponential growth from Base, capped at Max, with jitter to avoid
// retry alignment across jobs.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1-based: the wait
// after the attempt'th failed execution).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	// Full jitter on the upper half keeps a floor of d/2.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Definition is the static configuration of one stage in the fixed
// sequence.
type Definition struct {
	Name       model.StageName
	MaxRetries int
	Backoff    BackoffPolicy
	Timeout    time.Duration
	Exclusive  bool // requires the single-instance renderer lease
}
