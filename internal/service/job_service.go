// Package service implements the application operations behind the HTTP
// surface: submitting jobs, querying their state, fetching results and
// requesting cancellation.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/store"
)

var (
	// ErrNotReady reports a result request for a job that has not
	// reached done.
	ErrNotReady = errors.New("job result not ready")

	// ErrAlreadyTerminal reports a cancellation request for a job that
	// already reached a terminal state.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
)

// Dispatcher hands a created job to the processing queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Ingest normalizes caller-supplied audio into the job's source
// artifact.
type Ingest interface {
	FromUpload(ctx context.Context, jobID, filename string, r io.Reader) (model.ArtifactRef, error)
	FromLink(ctx context.Context, jobID, url string) (model.ArtifactRef, error)
}

// JobService coordinates the job lifecycle from submission to result
// retrieval.
type JobService struct {
	jobs       store.JobStore
	artifacts  *artifact.Store
	ingest     Ingest
	dispatcher Dispatcher
}

func NewJobService(jobs store.JobStore, artifacts *artifact.Store, ingest Ingest, dispatcher Dispatcher) *JobService {
	return &JobService{jobs: jobs, artifacts: artifacts, ingest: ingest, dispatcher: dispatcher}
}

// SubmitUpload creates a job from an uploaded audio file and queues it.
func (s *JobService) SubmitUpload(ctx context.Context, filename string, r io.Reader) (*model.Job, error) {
	jobID := uuid.New().String()
	ref, err := s.ingest.FromUpload(ctx, jobID, filename, r)
	if err != nil {
		s.discardIngest(jobID)
		return nil, err
	}
	return s.create(ctx, jobID, ref, model.JobParams{SourceName: filename})
}

// SubmitLink creates a job from a downloadable audio URL and queues it.
func (s *JobService) SubmitLink(ctx context.Context, url string) (*model.Job, error) {
	jobID := uuid.New().String()
	ref, err := s.ingest.FromLink(ctx, jobID, url)
	if err != nil {
		s.discardIngest(jobID)
		return nil, err
	}
	return s.create(ctx, jobID, ref, model.JobParams{SourceURL: url})
}

func (s *JobService) create(ctx context.Context, jobID string, input model.ArtifactRef, params model.JobParams) (*model.Job, error) {
	job := &model.Job{
		ID:           jobID,
		Status:       model.JobStatusQueued,
		History:      []model.StageAttempt{},
		InputRef:     input,
		ArtifactRefs: map[model.StageName]model.ArtifactRef{},
		Params:       params,
		CreatedAt:    time.Now(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.discardIngest(jobID)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.dispatcher.Enqueue(ctx, jobID); err != nil {
		s.discardIngest(jobID)
		return nil, fmt.Errorf("failed to queue job: %w", err)
	}
	source := params.SourceName
	if source == "" {
		source = params.SourceURL
	}
	log.Printf("Info: job %s queued (%s)", jobID, source)
	return job, nil
}

func (s *JobService) discardIngest(jobID string) {
	if err := s.artifacts.CleanupJob(jobID); err != nil {
		log.Printf("Warning: failed to discard ingest files for job %s: %v", jobID, err)
	}
}

// GetStatus returns the caller-facing view of a job.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.StatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		CurrentStage: job.CurrentStage,
		Progress:     float64(job.CompletedStages()) / float64(len(model.StageSequence)),
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}, nil
}

// GetResult lists the deliverables of a finished job. Jobs that are not
// done yet, including failed and cancelled ones, have no result.
func (s *JobService) GetResult(ctx context.Context, jobID string) (*model.ResultResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusDone {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, job.Status)
	}

	files := make([]model.ResultFile, 0, len(model.StageSequence))
	for _, stage := range model.StageSequence {
		ref, ok := job.ArtifactRefs[stage]
		if !ok || !ref.Kind.IsResult() {
			continue
		}
		filename := ref.Kind.Filename()
		files = append(files, model.ResultFile{
			Kind:        ref.Kind,
			Filename:    filename,
			SizeBytes:   ref.SizeBytes,
			Checksum:    ref.Checksum,
			DownloadURL: fmt.Sprintf("/api/download/%s/%s", job.ID, filename),
		})
	}
	return &model.ResultResponse{
		JobID:       job.ID,
		Files:       files,
		CompletedAt: job.CompletedAt,
	}, nil
}

// Cancel requests cancellation of a running or queued job. The pipeline
// observes the request at its next stage boundary; the job's terminal
// state becomes visible through status polling.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.CancelResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, job.Status)
	}
	if err := s.jobs.RequestCancel(ctx, jobID); err != nil {
		return nil, err
	}
	log.Printf("Info: cancellation requested for job %s", jobID)
	return &model.CancelResponse{JobID: job.ID, Status: job.Status}, nil
}

// ResultFilePath resolves a result filename to its on-disk path for the
// download surface.
func (s *JobService) ResultFilePath(ctx context.Context, jobID, filename string) (string, error) {
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		return "", err
	}
	return s.artifacts.ResultPath(jobID, filename)
}
