package model

import "time"

// Job represents one audio-to-score conversion request. The record is
// persisted on every state transition so a redelivered job resumes from
// its last durably completed stage.
type Job struct {
	ID           string                    `json:"id"`
	Status       JobStatus                 `json:"status"`
	CurrentStage StageName                 `json:"currentStage,omitempty"`
	History      []StageAttempt            `json:"history"`
	InputRef     ArtifactRef               `json:"inputRef"`
	ArtifactRefs map[StageName]ArtifactRef `json:"artifactRefs"`
	Error        *JobError                 `json:"error,omitempty"`
	Params       JobParams                 `json:"params"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
	StartedAt    *time.Time                `json:"startedAt,omitempty"`
	CompletedAt  *time.Time                `json:"completedAt,omitempty"`
}

// StageAttempt is one entry of the append-only stage history.
type StageAttempt struct {
	Stage     StageName `json:"stage"`
	Attempt   int       `json:"attempt"`
	Outcome   Outcome   `json:"outcome"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Error     string    `json:"error,omitempty"`
}

// JobError is the structured failure information set when a job fails.
// It is terminal: once set it is never cleared.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stage   StageName `json:"stage,omitempty"`
}

// JobParams carries caller-supplied processing options captured at creation.
type JobParams struct {
	SourceURL  string `json:"sourceUrl,omitempty"` // set for link submissions
	SourceName string `json:"sourceName,omitempty"`
}

// ArtifactRef points at a stored artifact together with its metadata.
type ArtifactRef struct {
	ID        string       `json:"id"`
	JobID     string       `json:"jobId"`
	Kind      ArtifactKind `json:"kind"`
	Path      string       `json:"path"`
	SizeBytes int64        `json:"sizeBytes"`
	Checksum  string       `json:"checksum"`
	CreatedAt time.Time    `json:"createdAt"`
}

// IsZero reports whether the ref is unset.
func (r ArtifactRef) IsZero() bool {
	return r.ID == ""
}

// StageCompleted reports whether the named stage has a committed artifact.
func (j *Job) StageCompleted(stage StageName) bool {
	if j.ArtifactRefs == nil {
		return false
	}
	_, ok := j.ArtifactRefs[stage]
	return ok
}

// CompletedStages counts stages with committed artifacts.
func (j *Job) CompletedStages() int {
	return len(j.ArtifactRefs)
}
