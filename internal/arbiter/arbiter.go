// Package arbiter serializes access to the single-instance score
// renderer. The external MuseScore process is not reentrant, so only one
// rendering may run at a time system-wide; waiters are served strictly
// in arrival order and a granted lease is force-revoked if held past the
// maximum hold duration, so a wedged render cannot starve the queue.
package arbiter

import (
	"context"
	"sync"
	"time"
)

// Lease is the exclusive right to use the arbitrated resource. Holders
// must watch Revoked: once it closes the lease is gone and the external
// call should be abandoned.
type Lease struct {
	jobID     string
	grantedAt time.Time
	revoked   chan struct{}
	timer     *time.Timer
}

// Revoked closes when the arbiter reclaims the lease after the maximum
// hold duration.
func (l *Lease) Revoked() <-chan struct{} { return l.revoked }

// JobID identifies the job the lease was granted to.
func (l *Lease) JobID() string { return l.jobID }

type waiter struct {
	jobID string
	grant chan *Lease
}

// Arbiter grants leases one at a time, FIFO.
type Arbiter struct {
	mu      sync.Mutex
	maxHold time.Duration
	queue   []*waiter
	holder  *Lease
}

func New(maxHold time.Duration) *Arbiter {
	return &Arbiter{maxHold: maxHold}
}

// Acquire blocks until the resource is free and this caller is at the
// head of the queue, or until ctx is done. The calling goroutine is
// suspended, not spinning.
func (a *Arbiter) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	w := &waiter{jobID: jobID, grant: make(chan *Lease, 1)}

	a.mu.Lock()
	a.queue = append(a.queue, w)
	a.grantNextLocked()
	a.mu.Unlock()

	select {
	case lease := <-w.grant:
		return lease, nil
	case <-ctx.Done():
		a.mu.Lock()
		removed := a.removeWaiterLocked(w)
		a.mu.Unlock()
		if !removed {
			// Granted concurrently with cancellation; the lease is
			// already buffered, hand it straight back.
			a.Release(<-w.grant)
		}
		return nil, ctx.Err()
	}
}

// Release frees the resource for the next waiter. Releasing an already
// revoked lease is a no-op.
func (a *Arbiter) Release(l *Lease) {
	if l == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != l {
		return
	}
	l.timer.Stop()
	a.holder = nil
	a.grantNextLocked()
}

func (a *Arbiter) grantNextLocked() {
	if a.holder != nil || len(a.queue) == 0 {
		return
	}
	w := a.queue[0]
	a.queue = a.queue[1:]
	lease := &Lease{
		jobID:     w.jobID,
		grantedAt: time.Now(),
		revoked:   make(chan struct{}),
	}
	lease.timer = time.AfterFunc(a.maxHold, func() { a.revoke(lease) })
	a.holder = lease
	w.grant <- lease
}

func (a *Arbiter) revoke(l *Lease) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != l {
		return
	}
	close(l.revoked)
	a.holder = nil
	a.grantNextLocked()
}

func (a *Arbiter) removeWaiterLocked(w *waiter) bool {
	for i, queued := range a.queue {
		if queued == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}
