package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	a := New(time.Minute)

	lease, err := a.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.JobID() != "job-1" {
		t.Errorf("expected lease for job-1, got %s", lease.JobID())
	}

	// A second acquire must block until release.
	acquired := make(chan *Lease, 1)
	go func() {
		l, err := a.Acquire(context.Background(), "job-2")
		if err != nil {
			t.Errorf("second Acquire failed: %v", err)
		}
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second lease granted while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	a.Release(lease)
	select {
	case l := <-acquired:
		a.Release(l)
	case <-time.After(time.Second):
		t.Fatal("second lease never granted after release")
	}
}

func TestFIFOOrder(t *testing.T) {
	a := New(time.Minute)

	first, err := a.Acquire(context.Background(), "holder")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := a.Acquire(context.Background(), id)
			if err != nil {
				t.Errorf("Acquire %s failed: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			a.Release(l)
		}()
		// Give each goroutine time to enqueue before the next.
		time.Sleep(20 * time.Millisecond)
	}

	a.Release(first)
	wg.Wait()

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected FIFO order a,b,c, got %v", order)
	}
}

func TestMaxHoldRevocation(t *testing.T) {
	a := New(30 * time.Millisecond)

	lease, err := a.Acquire(context.Background(), "wedged")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	select {
	case <-lease.Revoked():
	case <-time.After(time.Second):
		t.Fatal("lease never revoked after max hold")
	}

	// The queue must advance past the wedged holder.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, err := a.Acquire(ctx, "waiting")
	if err != nil {
		t.Fatalf("Acquire after revocation failed: %v", err)
	}
	a.Release(next)

	// Releasing the revoked lease afterwards is harmless.
	a.Release(lease)
}

func TestAcquireContextCancelled(t *testing.T) {
	a := New(time.Minute)

	lease, err := a.Acquire(context.Background(), "holder")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(ctx, "waiter"); err == nil {
		t.Fatal("expected context error for timed-out waiter")
	}

	// The cancelled waiter must not be granted later.
	a.Release(lease)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	next, err := a.Acquire(ctx2, "fresh")
	if err != nil {
		t.Fatalf("Acquire after cancelled waiter failed: %v", err)
	}
	a.Release(next)
}
