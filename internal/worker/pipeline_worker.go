// Package worker binds the pipeline engine to the task queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/audioscore/api/internal/pipeline"
	"github.com/audioscore/api/internal/service"
)

// PipelineWorker processes pipeline:process tasks. Returning nil
// acknowledges the task; returning an error makes the queue redeliver
// it, at which point the engine resumes the job from its last committed
// stage.
type PipelineWorker struct {
	engine *pipeline.Engine
}

func NewPipelineWorker(engine *pipeline.Engine) *PipelineWorker {
	return &PipelineWorker{engine: engine}
}

func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.PipelineTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// Malformed payloads never become valid; drop without retry.
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("Info: processing job %s", payload.JobID)
	if err := w.engine.Run(ctx, payload.JobID); err != nil {
		log.Printf("Warning: job %s interrupted, will be redelivered: %v", payload.JobID, err)
		return err
	}
	return nil
}
