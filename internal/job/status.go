package job

import (
	"context"
	"time"

	"kneeproc/internal/stats"
)

// avgSecondsPerStep feeds the remaining-time estimate while a job is
// processing, when no per-step history exists.
const avgSecondsPerStep = 60

// StatusView is the polling contract consumed by the HTTP layer. Fields
// beyond JobID and Status are populated according to the state.
type StatusView struct {
	JobID  string `json:"job_id"`
	Status State  `json:"status"`

	// queued
	QueuePosition        int64   `json:"queue_position,omitempty"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds,omitempty"`

	// processing
	ProgressPercent           int    `json:"progress_percent,omitempty"`
	CurrentStep               int    `json:"current_step,omitempty"`
	TotalSteps                int    `json:"total_steps,omitempty"`
	StepName                  string `json:"step_name,omitempty"`
	ElapsedSeconds            int64  `json:"elapsed_seconds,omitempty"`
	EstimatedRemainingSeconds int64  `json:"estimated_remaining_seconds,omitempty"`

	// complete
	ResultPath            string `json:"result_path,omitempty"`
	ResultSizeBytes       int64  `json:"result_size_bytes,omitempty"`
	ProcessingTimeSeconds int64  `json:"processing_time_seconds,omitempty"`

	// error
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusReporter answers status queries from the durable record, the
// queue index, and the statistics recorder.
type StatusReporter struct {
	store *Store
	stats *stats.Recorder
}

// NewStatusReporter creates a status reporter.
func NewStatusReporter(store *Store, recorder *stats.Recorder) *StatusReporter {
	return &StatusReporter{store: store, stats: recorder}
}

// Status builds the view for one job. An unknown ID propagates the
// store's not-found error; callers treat it as "job expired".
func (r *StatusReporter) Status(ctx context.Context, id string) (*StatusView, error) {
	j, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{JobID: j.ID, Status: j.Status}

	switch j.Status {
	case StateQueued:
		position, err := r.store.Position(ctx, id)
		if err != nil {
			return nil, err
		}
		eta, err := r.stats.ETA(ctx, position)
		if err != nil {
			return nil, err
		}
		view.QueuePosition = position
		view.EstimatedWaitSeconds = eta

	case StateProcessing:
		view.ProgressPercent = j.ProgressPercent
		view.CurrentStep = j.CurrentStep
		view.TotalSteps = j.TotalSteps
		view.StepName = j.StepName
		if view.StepName == "" {
			view.StepName = "Processing..."
		}
		if j.StartedAt != nil {
			view.ElapsedSeconds = int64(time.Since(*j.StartedAt).Seconds())
		}
		remaining := int64(j.TotalSteps-j.CurrentStep) * avgSecondsPerStep
		if remaining < 0 {
			remaining = 0
		}
		view.EstimatedRemainingSeconds = remaining

	case StateComplete:
		view.ResultPath = j.ResultPath
		view.ResultSizeBytes = j.ResultSizeBytes
		view.ProcessingTimeSeconds = int64(j.Duration().Seconds())

	case StateError:
		view.ErrorCode = j.ErrorCode
		view.ErrorMessage = j.ErrorMessage
		if view.ErrorMessage == "" {
			view.ErrorMessage = "Unknown error"
		}
	}

	return view, nil
}
