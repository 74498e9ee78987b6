// Package pipeline runs jobs through the fixed stage sequence. The
// engine is crash-tolerant: every stage success is committed to the job
// store before the next stage starts, so a redelivered job resumes from
// its last committed stage instead of starting over.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/audioscore/api/internal/arbiter"
	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/store"
)

// Engine executes the stage sequence for one job at a time per Run
// call. Run is the queue handler's entry point: returning nil
// acknowledges the task (the job reached a terminal state), returning an
// error asks the queue to redeliver it.
type Engine struct {
	jobs      store.JobStore
	artifacts *artifact.Store
	arbiter   *arbiter.Arbiter
	notifier  Notifier
	defs      []Definition
	stages    map[model.StageName]Stage
	claimTTL  time.Duration
}

func NewEngine(jobs store.JobStore, artifacts *artifact.Store, arb *arbiter.Arbiter, notifier Notifier, defs []Definition, stages []Stage, claimTTL time.Duration) (*Engine, error) {
	byName := make(map[model.StageName]Stage, len(stages))
	for _, s := range stages {
		byName[s.Name()] = s
	}
	for _, def := range defs {
		if _, ok := byName[def.Name]; !ok {
			return nil, fmt.Errorf("no stage registered for %q", def.Name)
		}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		jobs:      jobs,
		artifacts: artifacts,
		arbiter:   arb,
		notifier:  notifier,
		defs:      defs,
		stages:    byName,
		claimTTL:  claimTTL,
	}, nil
}

// Run processes the job until it reaches a terminal state or an
// infrastructure error interrupts it. A nil return means the job is
// terminal and the queue task can be acknowledged; a non-nil return
// means the run could not finish for reasons unrelated to the job
// itself and the task should be redelivered.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("Warning: job %s no longer exists, dropping task", jobID)
			return nil
		}
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		// Redelivery of an already finished job is a no-op.
		return nil
	}

	// Per-run owner: two concurrent deliveries of the same job contend
	// on the claim even inside one process.
	ownerID := uuid.New().String()
	claimed, err := e.jobs.Claim(ctx, jobID, ownerID, e.claimTTL)
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	if !claimed {
		// The holder may be alive and working, or it may have crashed
		// leaving a claim that outlives the queue's delivery lease. We
		// cannot tell the difference, so keep the task alive: redelivery
		// backs off while a live holder finishes (the terminal check
		// above turns the retry into a no-op) and resumes the job once a
		// stale claim expires.
		log.Printf("Info: job %s is claimed by another worker, deferring to redelivery", jobID)
		return fmt.Errorf("job %s is claimed by another worker", jobID)
	}
	defer func() {
		// Release even when ctx is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.jobs.ReleaseClaim(releaseCtx, jobID, ownerID); err != nil {
			log.Printf("Warning: failed to release claim on job %s: %v", jobID, err)
		}
	}()

	for i, def := range e.defs {
		if job.StageCompleted(def.Name) {
			continue
		}

		if cancelled, err := e.checkCancel(ctx, job); err != nil {
			return err
		} else if cancelled {
			return nil
		}

		job.Status = model.JobStatusRunning
		job.CurrentStage = def.Name
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		if err := e.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to mark job %s running: %w", jobID, err)
		}
		e.notifier.JobProgress(job.ID, job.Status, def.Name, e.progress(job))

		input := job.InputRef
		if i > 0 {
			input = job.ArtifactRefs[e.defs[i-1].Name]
		}

		if err := e.runStage(ctx, job, def, input, ownerID); err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		e.notifier.JobProgress(job.ID, job.Status, def.Name, e.progress(job))
	}

	now := time.Now()
	job.Status = model.JobStatusDone
	job.CurrentStage = ""
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job %s done: %w", jobID, err)
	}
	if err := e.artifacts.CleanupJob(job.ID); err != nil {
		log.Printf("Warning: failed to clean up temp files for job %s: %v", job.ID, err)
	}
	e.notifier.JobDone(job.ID)
	log.Printf("Info: job %s completed", job.ID)
	return nil
}

// runStage executes one stage with retries. It returns nil when the
// stage committed successfully or when it put the job into a terminal
// state; it returns an error only for infrastructure failures that
// warrant queue redelivery.
func (e *Engine) runStage(ctx context.Context, job *model.Job, def Definition, input model.ArtifactRef, ownerID string) error {
	stage := e.stages[def.Name]
	attempts := 0
	stageStarted := time.Now()

	for {
		attempts++
		ref, execErr := e.invokeStage(ctx, stage, def, Request{Job: job, Input: input})
		ended := time.Now()

		if execErr == nil {
			// A cancellation that raced the stage wins over its result.
			if cancelled, err := e.jobs.CancelRequested(ctx, job.ID); err != nil {
				return fmt.Errorf("failed to check cancellation for job %s: %w", job.ID, err)
			} else if cancelled {
				if err := e.artifacts.Delete(ref); err != nil {
					log.Printf("Warning: failed to discard artifact for cancelled job %s: %v", job.ID, err)
				}
				return e.markCancelled(ctx, job)
			}

			// One history entry per stage; Attempt carries the total
			// execution count including retries.
			job.History = append(job.History, model.StageAttempt{
				Stage:     def.Name,
				Attempt:   attempts,
				Outcome:   model.OutcomeSuccess,
				StartedAt: stageStarted,
				EndedAt:   ended,
			})
			if job.ArtifactRefs == nil {
				job.ArtifactRefs = make(map[model.StageName]model.ArtifactRef)
			}
			job.ArtifactRefs[def.Name] = ref
			if err := e.jobs.Update(ctx, job); err != nil {
				return fmt.Errorf("failed to commit stage %s for job %s: %w", def.Name, job.ID, err)
			}
			return nil
		}

		// A worker shutdown is not the job's fault; hand the task back
		// to the queue instead of recording a failure.
		if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}

		exhausted := attempts > def.MaxRetries
		if !IsTransient(execErr) || exhausted {
			job.History = append(job.History, model.StageAttempt{
				Stage:     def.Name,
				Attempt:   attempts,
				Outcome:   model.OutcomeFailed,
				StartedAt: stageStarted,
				EndedAt:   ended,
				Error:     execErr.Error(),
			})
			return e.markFailed(ctx, job, def.Name, execErr, exhausted)
		}

		if err := e.jobs.RefreshClaim(ctx, job.ID, ownerID, e.claimTTL); err != nil {
			return fmt.Errorf("claim on job %s no longer held: %w", job.ID, err)
		}

		delay := def.Backoff.Delay(attempts)
		log.Printf("Warning: stage %s attempt %d for job %s failed (%v), retrying in %s", def.Name, attempts, job.ID, execErr, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if cancelled, err := e.checkCancel(ctx, job); err != nil {
			return err
		} else if cancelled {
			return nil
		}
	}
}

// invokeStage runs a single stage execution under its timeout and, for
// exclusive stages, under an arbiter lease.
func (e *Engine) invokeStage(ctx context.Context, stage Stage, def Definition, req Request) (model.ArtifactRef, error) {
	execCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	var lease *arbiter.Lease
	if def.Exclusive && e.arbiter != nil {
		var err error
		lease, err = e.arbiter.Acquire(execCtx, req.Job.ID)
		if err != nil {
			return model.ArtifactRef{}, fmt.Errorf("%w: waiting for renderer: %v", ErrStageTimeout, err)
		}
		defer e.arbiter.Release(lease)

		// Abandon the external call the moment the lease is reclaimed.
		leaseCtx, cancelLease := context.WithCancel(execCtx)
		defer cancelLease()
		go func() {
			select {
			case <-lease.Revoked():
				cancelLease()
			case <-leaseCtx.Done():
			}
		}()
		execCtx = leaseCtx
	}

	ref, err := stage.Execute(execCtx, req)
	if err != nil {
		if lease != nil {
			select {
			case <-lease.Revoked():
				return model.ArtifactRef{}, fmt.Errorf("%w: %v", ErrLeaseRevoked, err)
			default:
			}
		}
		if errors.Is(err, context.DeadlineExceeded) && !IsTransient(err) {
			return model.ArtifactRef{}, fmt.Errorf("%w: %v", ErrStageTimeout, err)
		}
		return model.ArtifactRef{}, err
	}
	return ref, nil
}

// checkCancel moves the job to cancelled if a cancellation request is
// pending. Returns true when the job reached the cancelled state.
func (e *Engine) checkCancel(ctx context.Context, job *model.Job) (bool, error) {
	cancelled, err := e.jobs.CancelRequested(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation for job %s: %w", job.ID, err)
	}
	if !cancelled {
		return false, nil
	}
	return true, e.markCancelled(ctx, job)
}

func (e *Engine) markCancelled(ctx context.Context, job *model.Job) error {
	now := time.Now()
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job %s cancelled: %w", job.ID, err)
	}
	if err := e.artifacts.CleanupJob(job.ID); err != nil {
		log.Printf("Warning: failed to clean up temp files for job %s: %v", job.ID, err)
	}
	e.notifier.JobProgress(job.ID, model.JobStatusCancelled, job.CurrentStage, e.progress(job))
	log.Printf("Info: job %s cancelled", job.ID)
	return nil
}

func (e *Engine) markFailed(ctx context.Context, job *model.Job, stage model.StageName, execErr error, exhausted bool) error {
	// CurrentStage stays on the failing stage so callers can see where
	// the job stopped.
	now := time.Now()
	job.Status = model.JobStatusFailed
	job.CompletedAt = &now
	job.Error = &model.JobError{
		Kind:    classify(execErr, exhausted),
		Message: execErr.Error(),
		Stage:   stage,
	}
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	if err := e.artifacts.CleanupJob(job.ID); err != nil {
		log.Printf("Warning: failed to clean up temp files for job %s: %v", job.ID, err)
	}
	e.notifier.JobFailed(job.ID, *job.Error)
	log.Printf("Warning: job %s failed at stage %s: %v", job.ID, stage, execErr)
	return nil
}

// progress is the fraction of stages with committed artifacts.
func (e *Engine) progress(job *model.Job) float64 {
	if len(e.defs) == 0 {
		return 0
	}
	return float64(job.CompletedStages()) / float64(len(e.defs))
}
