package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status can never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Pipeline stages, in fixed execution order.
type StageName string

const (
	StageSeparation      StageName = "separation"
	StagePitchDetection  StageName = "pitch-detection"
	StageScoreGeneration StageName = "score-generation"
	StageRendering       StageName = "rendering"
)

// StageSequence is the fixed stage order every job runs through.
var StageSequence = []StageName{
	StageSeparation,
	StagePitchDetection,
	StageScoreGeneration,
	StageRendering,
}

// Artifact kinds
type ArtifactKind string

const (
	ArtifactAudioSource ArtifactKind = "audio-source"
	ArtifactAudioStem   ArtifactKind = "audio-stem"
	ArtifactPitchMIDI   ArtifactKind = "pitch-midi"
	ArtifactScoreXML    ArtifactKind = "score-xml"
	ArtifactScorePDF    ArtifactKind = "score-pdf"
)

// Filename returns the canonical on-disk name for an artifact of this kind.
func (k ArtifactKind) Filename() string {
	switch k {
	case ArtifactAudioSource:
		return "source.wav"
	case ArtifactAudioStem:
		return "stem.wav"
	case ArtifactPitchMIDI:
		return "score.mid"
	case ArtifactScoreXML:
		return "score.musicxml"
	case ArtifactScorePDF:
		return "score.pdf"
	default:
		return string(k) + ".bin"
	}
}

// IsResult reports whether artifacts of this kind are deliverables kept
// after the job reaches a terminal state. Non-result kinds live in the
// job's temp area and are removed by cleanup.
func (k ArtifactKind) IsResult() bool {
	switch k {
	case ArtifactPitchMIDI, ArtifactScoreXML, ArtifactScorePDF:
		return true
	default:
		return false
	}
}

// Stage attempt outcomes recorded in history
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Error kinds surfaced to callers when a job fails
type ErrorKind string

const (
	ErrKindInvalidInput            ErrorKind = "InvalidInput"
	ErrKindProcessingFailed        ErrorKind = "ProcessingFailed"
	ErrKindNoPitchedContent        ErrorKind = "NoPitchedContent"
	ErrKindTransientRetryExhausted ErrorKind = "TransientRetryExhausted"
	ErrKindResourceTimeout         ErrorKind = "ResourceTimeout"
)
