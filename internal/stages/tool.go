package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/audioscore/api/internal/execx"
	"github.com/audioscore/api/internal/pipeline"
)

// wrapToolError maps a tool invocation failure to the engine's retry
// classification. Timeouts are transient (a slow host may succeed on
// retry); a non-zero exit or a missing binary will fail the same way
// every time and is not worth retrying.
func wrapToolError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", pipeline.ErrStageTimeout, err)
	}
	var cmdErr *execx.CommandError
	if errors.As(err, &cmdErr) {
		return fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}
	if errors.Is(err, execx.ErrNotStarted) {
		return fmt.Errorf("%w: %v", pipeline.ErrProcessing, err)
	}
	// I/O errors around the invocation may clear up.
	return fmt.Errorf("%w: %v", pipeline.ErrTransient, err)
}
