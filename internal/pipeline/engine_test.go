package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/audioscore/api/internal/arbiter"
	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/store"
)

// fakeStage counts executions and delegates to fn.
type fakeStage struct {
	name  model.StageName
	calls int
	fn    func(ctx context.Context, req Request) (model.ArtifactRef, error)
}

func (f *fakeStage) Name() model.StageName { return f.name }

func (f *fakeStage) Execute(ctx context.Context, req Request) (model.ArtifactRef, error) {
	f.calls++
	return f.fn(ctx, req)
}

var stageKinds = map[model.StageName]model.ArtifactKind{
	model.StageSeparation:      model.ArtifactAudioStem,
	model.StagePitchDetection:  model.ArtifactPitchMIDI,
	model.StageScoreGeneration: model.ArtifactScoreXML,
	model.StageRendering:       model.ArtifactScorePDF,
}

type testEnv struct {
	jobs      *store.MemStore
	artifacts *artifact.Store
	stages    map[model.StageName]*fakeStage
	engine    *Engine
}

// newTestEnv builds an engine over an in-memory store and fake stages
// that each publish a small artifact. Callers replace individual stage
// behaviors before running.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	jobs := store.NewMemStore()
	artifacts, err := artifact.NewStore(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}

	fakes := make(map[model.StageName]*fakeStage)
	var impls []Stage
	var defs []Definition
	for _, name := range model.StageSequence {
		name := name
		f := &fakeStage{name: name}
		f.fn = func(ctx context.Context, req Request) (model.ArtifactRef, error) {
			return artifacts.Put(req.Job.ID, stageKinds[name], strings.NewReader("out:"+string(name)))
		}
		fakes[name] = f
		impls = append(impls, f)
		defs = append(defs, Definition{
			Name:       name,
			MaxRetries: 3,
			Backoff:    BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
			Timeout:    5 * time.Second,
		})
	}

	engine, err := NewEngine(jobs, artifacts, arbiter.New(time.Second), NopNotifier{}, defs, impls, time.Minute)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return &testEnv{jobs: jobs, artifacts: artifacts, stages: fakes, engine: engine}
}

func (e *testEnv) seedJob(t *testing.T, id string) *model.Job {
	t.Helper()
	input, err := e.artifacts.Put(id, model.ArtifactAudioSource, strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("failed to seed input artifact: %v", err)
	}
	job := &model.Job{
		ID:           id,
		Status:       model.JobStatusQueued,
		History:      []model.StageAttempt{},
		InputRef:     input,
		ArtifactRefs: map[model.StageName]model.ArtifactRef{},
		CreatedAt:    time.Now(),
	}
	if err := e.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func (e *testEnv) getJob(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := e.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	return job
}

func TestRunCompletesAllStages(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1")

	if err := env.engine.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	job := env.getJob(t, "job-1")
	if job.Status != model.JobStatusDone {
		t.Errorf("expected status done, got %s", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if len(job.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(job.History))
	}
	for i, name := range model.StageSequence {
		if job.History[i].Stage != name {
			t.Errorf("history[%d]: expected stage %s, got %s", i, name, job.History[i].Stage)
		}
		if job.History[i].Outcome != model.OutcomeSuccess {
			t.Errorf("history[%d]: expected success, got %s", i, job.History[i].Outcome)
		}
		ref, ok := job.ArtifactRefs[name]
		if !ok {
			t.Errorf("missing artifact for stage %s", name)
			continue
		}
		if ref.Checksum == "" || ref.SizeBytes == 0 {
			t.Errorf("artifact for %s missing metadata: %+v", name, ref)
		}
	}
}

func TestRunResumesFromCommittedStage(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "job-resume")

	// Commit the first two stages as a previous execution would have.
	ctx := context.Background()
	for _, name := range model.StageSequence[:2] {
		ref, err := env.artifacts.Put(job.ID, stageKinds[name], strings.NewReader("prior"))
		if err != nil {
			t.Fatalf("failed to seed artifact: %v", err)
		}
		job.ArtifactRefs[name] = ref
		job.History = append(job.History, model.StageAttempt{Stage: name, Attempt: 1, Outcome: model.OutcomeSuccess})
	}
	job.Status = model.JobStatusRunning
	if err := env.jobs.Update(ctx, job); err != nil {
		t.Fatalf("failed to update job: %v", err)
	}

	if err := env.engine.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := env.stages[model.StageSeparation].calls; got != 0 {
		t.Errorf("separation re-executed %d times after commit", got)
	}
	if got := env.stages[model.StagePitchDetection].calls; got != 0 {
		t.Errorf("pitch detection re-executed %d times after commit", got)
	}
	if got := env.stages[model.StageScoreGeneration].calls; got != 1 {
		t.Errorf("expected score generation to run once, ran %d times", got)
	}
	if got := env.getJob(t, job.ID).Status; got != model.JobStatusDone {
		t.Errorf("expected status done, got %s", got)
	}
}

func TestRunTransientRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-flaky")

	flaky := env.stages[model.StagePitchDetection]
	flaky.fn = func(ctx context.Context, req Request) (model.ArtifactRef, error) {
		return model.ArtifactRef{}, fmt.Errorf("%w: tool crashed", ErrTransient)
	}

	if err := env.engine.Run(context.Background(), "job-flaky"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// MaxRetries 3 means 4 executions total.
	if flaky.calls != 4 {
		t.Errorf("expected 4 attempts, got %d", flaky.calls)
	}
	job := env.getJob(t, "job-flaky")
	if job.Status != model.JobStatusFailed {
		t.Fatalf("expected status failed, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Kind != model.ErrKindTransientRetryExhausted {
		t.Errorf("expected TransientRetryExhausted, got %+v", job.Error)
	}
	if job.Error.Stage != model.StagePitchDetection {
		t.Errorf("expected failing stage pitch-detection, got %s", job.Error.Stage)
	}
	// One entry for the completed separation, one for the failed stage.
	if len(job.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(job.History))
	}
	last := job.History[1]
	if last.Stage != model.StagePitchDetection || last.Outcome != model.OutcomeFailed {
		t.Errorf("unexpected final history entry: %+v", last)
	}
	if last.Attempt != 4 {
		t.Errorf("expected recorded attempt count 4, got %d", last.Attempt)
	}
}

func TestRunPermanentFailureStopsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-silent")

	silent := env.stages[model.StagePitchDetection]
	silent.fn = func(ctx context.Context, req Request) (model.ArtifactRef, error) {
		return model.ArtifactRef{}, fmt.Errorf("%w: transcription produced no notes", ErrNoPitchedContent)
	}

	if err := env.engine.Run(context.Background(), "job-silent"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if silent.calls != 1 {
		t.Errorf("permanent failure retried: %d attempts", silent.calls)
	}
	job := env.getJob(t, "job-silent")
	if job.Status != model.JobStatusFailed {
		t.Fatalf("expected status failed, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Kind != model.ErrKindNoPitchedContent {
		t.Errorf("expected NoPitchedContent, got %+v", job.Error)
	}
	if job.CurrentStage != model.StagePitchDetection {
		t.Errorf("expected current stage pitch-detection, got %s", job.CurrentStage)
	}
	// The separation result stays committed even though the job failed.
	if !job.StageCompleted(model.StageSeparation) {
		t.Error("separation artifact lost on later-stage failure")
	}
	if env.stages[model.StageScoreGeneration].calls != 0 {
		t.Error("score generation ran after a failed prerequisite")
	}
}

func TestRunCancellationDuringStage(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-cancel")

	ctx := context.Background()
	racing := env.stages[model.StagePitchDetection]
	inner := racing.fn
	racing.fn = func(c context.Context, req Request) (model.ArtifactRef, error) {
		// Cancellation lands while the stage is executing.
		if err := env.jobs.RequestCancel(ctx, req.Job.ID); err != nil {
			t.Fatalf("failed to request cancel: %v", err)
		}
		return inner(c, req)
	}

	if err := env.engine.Run(ctx, "job-cancel"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	job := env.getJob(t, "job-cancel")
	if job.Status != model.JobStatusCancelled {
		t.Fatalf("expected status cancelled, got %s", job.Status)
	}
	// The racing stage's output is discarded, not committed.
	if job.StageCompleted(model.StagePitchDetection) {
		t.Error("cancelled stage result was committed")
	}
	if env.stages[model.StageScoreGeneration].calls != 0 {
		t.Error("stage ran after cancellation")
	}
}

func TestRunCancellationAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "job-precancel")

	ctx := context.Background()
	if err := env.jobs.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("failed to request cancel: %v", err)
	}

	if err := env.engine.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got := env.getJob(t, job.ID)
	if got.Status != model.JobStatusCancelled {
		t.Fatalf("expected status cancelled, got %s", got.Status)
	}
	for name, stage := range env.stages {
		if stage.calls != 0 {
			t.Errorf("stage %s ran on a cancelled job", name)
		}
	}
}

func TestRunTerminalJobIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "job-done")

	ctx := context.Background()
	now := time.Now()
	job.Status = model.JobStatusDone
	job.CompletedAt = &now
	if err := env.jobs.Update(ctx, job); err != nil {
		t.Fatalf("failed to update job: %v", err)
	}

	if err := env.engine.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for name, stage := range env.stages {
		if stage.calls != 0 {
			t.Errorf("stage %s ran on a terminal job", name)
		}
	}
}

func TestRunDropsUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Run(context.Background(), "no-such-job"); err != nil {
		t.Fatalf("expected missing job to be dropped, got %v", err)
	}
}

func TestRunRespectsForeignClaim(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "job-claimed")

	ctx := context.Background()
	ok, err := env.jobs.Claim(ctx, job.ID, "other-worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("failed to pre-claim job: ok=%v err=%v", ok, err)
	}

	// A foreign claim must not be acknowledged away: the run reports an
	// error so the queue redelivers the task later.
	if err := env.engine.Run(ctx, job.ID); err == nil {
		t.Fatal("expected an error on a foreign claim so the task is redelivered")
	}
	for name, stage := range env.stages {
		if stage.calls != 0 {
			t.Errorf("stage %s ran despite a foreign claim", name)
		}
	}
	if got := env.getJob(t, job.ID).Status; got != model.JobStatusQueued {
		t.Errorf("claimed job mutated: status %s", got)
	}
}

func TestRunResumesAfterStaleClaimExpires(t *testing.T) {
	env := newTestEnv(t)
	job := env.seedJob(t, "job-stale-claim")

	// A worker that died mid-stage leaves its claim behind.
	ctx := context.Background()
	ok, err := env.jobs.Claim(ctx, job.ID, "dead-worker", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("failed to pre-claim job: ok=%v err=%v", ok, err)
	}

	// The first redelivery lands while the claim is still live and must
	// go back to the queue without touching the job.
	if err := env.engine.Run(ctx, job.ID); err == nil {
		t.Fatal("expected an error while the stale claim is still live")
	}
	if got := env.getJob(t, job.ID).Status; got != model.JobStatusQueued {
		t.Fatalf("job mutated under a live foreign claim: status %s", got)
	}

	// Once the claim TTL passes, the next delivery takes over and
	// finishes the job.
	time.Sleep(30 * time.Millisecond)
	if err := env.engine.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run after claim expiry returned error: %v", err)
	}
	if got := env.getJob(t, job.ID).Status; got != model.JobStatusDone {
		t.Errorf("expected status done after takeover, got %s", got)
	}
}

func TestRunExclusiveStageRevocationFailsAsResourceTimeout(t *testing.T) {
	jobs := store.NewMemStore()
	artifacts, err := artifact.NewStore(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}

	// The renderer never finishes within the lease's max hold; every
	// execution ends with the arbiter reclaiming the lease.
	stuck := &fakeStage{name: model.StageRendering}
	stuck.fn = func(ctx context.Context, req Request) (model.ArtifactRef, error) {
		<-ctx.Done()
		return model.ArtifactRef{}, ctx.Err()
	}
	defs := []Definition{{
		Name:       model.StageRendering,
		MaxRetries: 1,
		Backoff:    BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Timeout:    5 * time.Second,
		Exclusive:  true,
	}}
	engine, err := NewEngine(jobs, artifacts, arbiter.New(10*time.Millisecond), NopNotifier{}, defs, []Stage{stuck}, time.Minute)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	ctx := context.Background()
	input, err := artifacts.Put("job-hog", model.ArtifactScoreXML, strings.NewReader("<score/>"))
	if err != nil {
		t.Fatalf("failed to seed input artifact: %v", err)
	}
	job := &model.Job{
		ID:           "job-hog",
		Status:       model.JobStatusQueued,
		History:      []model.StageAttempt{},
		InputRef:     input,
		ArtifactRefs: map[model.StageName]model.ArtifactRef{},
		CreatedAt:    time.Now(),
	}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	if err := engine.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// MaxRetries 1 means 2 executions, both ending in revocation.
	if stuck.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", stuck.calls)
	}
	got, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if got.Status != model.JobStatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Kind != model.ErrKindResourceTimeout {
		t.Errorf("expected ResourceTimeout, got %+v", got.Error)
	}
	if got.Error != nil && got.Error.Stage != model.StageRendering {
		t.Errorf("expected failing stage rendering, got %s", got.Error.Stage)
	}
}

func TestRunDiscardedArtifactRemovedFromDisk(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-discard")

	var produced model.ArtifactRef
	racing := env.stages[model.StageSeparation]
	racing.fn = func(c context.Context, req Request) (model.ArtifactRef, error) {
		ref, err := env.artifacts.Put(req.Job.ID, model.ArtifactAudioStem, strings.NewReader("stem"))
		if err != nil {
			return model.ArtifactRef{}, err
		}
		produced = ref
		if err := env.jobs.RequestCancel(context.Background(), req.Job.ID); err != nil {
			return model.ArtifactRef{}, err
		}
		return ref, nil
	}

	if err := env.engine.Run(context.Background(), "job-discard"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := os.Stat(produced.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("discarded artifact still on disk: %v", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	p := BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Delay(attempt)
		if d < 50*time.Millisecond {
			t.Errorf("attempt %d: delay %s below jitter floor", attempt, d)
		}
		if d > time.Second {
			t.Errorf("attempt %d: delay %s above cap", attempt, d)
		}
	}
}
