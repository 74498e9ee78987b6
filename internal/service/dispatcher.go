package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypePipelineProcess is the queue task carrying a job through the
// pipeline. Delivery is at-least-once; the pipeline engine makes
// redelivery safe.
const TaskTypePipelineProcess = "pipeline:process"

// PipelineTaskPayload is the body of a pipeline:process task.
type PipelineTaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqDispatcher enqueues pipeline tasks on the Redis-backed queue.
type AsynqDispatcher struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	timeout   time.Duration
	retention time.Duration
}

func NewAsynqDispatcher(client *asynq.Client, queue string, maxRetry int, timeout, retention time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:    client,
		queue:     queue,
		maxRetry:  maxRetry,
		timeout:   timeout,
		retention: retention,
	}
}

func (d *AsynqDispatcher) Enqueue(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(PipelineTaskPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	task := asynq.NewTask(TaskTypePipelineProcess, payload)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.timeout),
		asynq.Retention(d.retention),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pipeline task: %w", err)
	}
	return nil
}
