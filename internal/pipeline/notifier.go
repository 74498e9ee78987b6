package pipeline

import "github.com/audioscore/api/internal/model"

// Notifier receives job lifecycle events as the engine commits them.
// Implementations must not block; the engine calls these inline between
// stage transitions.
type Notifier interface {
	JobProgress(jobID string, status model.JobStatus, stage model.StageName, progress float64)
	JobDone(jobID string)
	JobFailed(jobID string, jobErr model.JobError)
}

// NopNotifier discards all events. Used by the worker-only binary and
// in tests.
type NopNotifier struct{}

func (NopNotifier) JobProgress(string, model.JobStatus, model.StageName, float64) {}
func (NopNotifier) JobDone(string)                                                {}
func (NopNotifier) JobFailed(string, model.JobError)                              {}
