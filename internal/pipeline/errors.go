package pipeline

import (
	"errors"

	"github.com/audioscore/api/internal/model"
)

// Sentinel errors used to classify stage failures. Stage implementations
// wrap one of these with %w; the engine decides retry behavior with
// errors.Is.
var (
	// ErrTransient marks failures worth retrying: flaky tool exits,
	// temporary resource shortage, recoverable I/O.
	ErrTransient = errors.New("transient failure")

	// ErrStageTimeout marks a stage exceeding its configured maximum
	// duration. Treated as transient.
	ErrStageTimeout = errors.New("stage timed out")

	// ErrLeaseRevoked marks a rendering attempt cut short because the
	// arbiter reclaimed the renderer lease. Transient, but reported as
	// ResourceTimeout once the retry budget is spent.
	ErrLeaseRevoked = errors.New("renderer lease revoked")

	// ErrInvalidInput marks unusable input audio. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoPitchedContent marks audio in which pitch detection found
	// nothing to transcribe. Never retried.
	ErrNoPitchedContent = errors.New("no pitched content detected")

	// ErrProcessing marks an unrecoverable failure reported by an
	// external tool. Never retried.
	ErrProcessing = errors.New("processing failed")
)

// IsTransient reports whether the failure is eligible for retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrStageTimeout) ||
		errors.Is(err, ErrLeaseRevoked)
}

// classify maps a stage error to the caller-facing error kind.
// exhausted indicates the stage's retry budget was spent on it.
func classify(err error, exhausted bool) model.ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return model.ErrKindInvalidInput
	case errors.Is(err, ErrNoPitchedContent):
		return model.ErrKindNoPitchedContent
	case errors.Is(err, ErrLeaseRevoked):
		return model.ErrKindResourceTimeout
	case exhausted && IsTransient(err):
		return model.ErrKindTransientRetryExhausted
	default:
		return model.ErrKindProcessingFailed
	}
}
