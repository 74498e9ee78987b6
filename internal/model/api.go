package model

import "time"

// SubmitLinkRequest asks for a conversion of audio fetched from a URL.
type SubmitLinkRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// SubmitResponse is returned for both upload and link submissions.
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusResponse is the caller-facing view of a job's progress.
type StatusResponse struct {
	JobID        string     `json:"jobId"`
	Status       JobStatus  `json:"status"`
	CurrentStage StageName  `json:"currentStage,omitempty"`
	Progress     float64    `json:"progress"` // fraction of completed stages, 0..1
	Error        *JobError  `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// ResultFile describes one downloadable deliverable of a finished job.
type ResultFile struct {
	Kind        ArtifactKind `json:"kind"`
	Filename    string       `json:"filename"`
	SizeBytes   int64        `json:"sizeBytes"`
	Checksum    string       `json:"checksum"`
	DownloadURL string       `json:"downloadUrl"`
}

// ResultResponse lists the deliverables of a job that reached done.
type ResultResponse struct {
	JobID       string       `json:"jobId"`
	Files       []ResultFile `json:"files"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}
