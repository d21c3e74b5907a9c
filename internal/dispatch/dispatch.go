// Package dispatch wires jobs into the asynq task queue: the enqueuer
// hands newly created jobs to Redis, and the server delivers them to
// the executor one at a time.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"kneeproc/internal/apperrors"
)

// TypeProcess identifies a pipeline processing task.
const TypeProcess = "pipeline:process"

const (
	// maxRetry bounds redeliveries of a task whose handler returned an
	// error before the job left the queue.
	maxRetry = 2
	// retryDelay is the fixed pause before a redelivery.
	retryDelay = 60 * time.Second
)

// ProcessPayload is the task body for TypeProcess.
type ProcessPayload struct {
	JobID string `json:"job_id"`
}

// NewProcessTask builds a processing task for the given job.
func NewProcessTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return asynq.NewTask(TypeProcess, payload), nil
}

// Enqueuer submits processing tasks.
type Enqueuer struct {
	client *asynq.Client
	queue  string
}

// NewEnqueuer creates an enqueuer over the given Redis connection.
func NewEnqueuer(redisOpt asynq.RedisConnOpt, queue string) *Enqueuer {
	if queue == "" {
		queue = "default"
	}
	return &Enqueuer{
		client: asynq.NewClient(redisOpt),
		queue:  queue,
	}
}

// Enqueue submits a processing task for the job. The task timeout is
// generous; the executor enforces the real pipeline timeout itself.
func (e *Enqueuer) Enqueue(ctx context.Context, jobID string) error {
	task, err := NewProcessTask(jobID)
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(2*time.Hour),
		asynq.TaskID(jobID),
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	slog.Info("Job enqueued", "jobId", jobID, "taskId", info.ID, "queue", info.Queue)
	return nil
}

// Close releases the underlying client connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// JobRunner executes one dispatched job to a terminal state.
type JobRunner interface {
	Execute(ctx context.Context, jobID string) error
}

// Handler adapts a JobRunner to asynq task delivery.
type Handler struct {
	runner JobRunner
}

// NewHandler creates a task handler around the runner.
func NewHandler(runner JobRunner) *Handler {
	return &Handler{runner: runner}
}

// ProcessTask handles one TypeProcess delivery. A missing job will not
// appear on redelivery, so that error skips further retries.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.runner.Execute(ctx, payload.JobID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// NewServer creates the task server. Concurrency is pinned to one so a
// single accelerator is never contended by parallel deliveries.
func NewServer(redisOpt asynq.RedisConnOpt, queue string) *asynq.Server {
	if queue == "" {
		queue = "default"
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return retryDelay
		},
		Logger: slogAdapter{slog.With("component", "dispatch")},
	})
}

// NewMux routes task types to their handlers.
func NewMux(handler *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcess, handler.ProcessTask)
	return mux
}

// slogAdapter bridges asynq's logger interface to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
