// Package job defines the durable job record, its persistence contract,
// and the FIFO queue index over queued jobs.
package job

import (
	"time"

	"github.com/google/uuid"
)

// State is a job lifecycle state. Transitions are monotone along
// exactly two paths:
//
//	queued -> processing -> complete
//	queued -> processing -> error
//
// A terminal state is immutable thereafter.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// Job is one submitted unit of work and its lifecycle state. It is
// created by the upload collaborator and mutated exclusively by the
// executor until it reaches a terminal state.
type Job struct {
	ID            string            `json:"id"`
	InputFilename string            `json:"input_filename"`
	InputPath     string            `json:"input_path"`
	Options       map[string]string `json:"options"`
	Status        State             `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	// QueueSeq is the insertion sequence allocated at creation and the
	// queue ordering key: sequences follow creation order, so ranking by
	// sequence is FIFO by creation time with deterministic ordering for
	// jobs created in the same instant.
	QueueSeq int64 `json:"queue_seq"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     int    `json:"current_step"`
	TotalSteps      int    `json:"total_steps"`
	StepName        string `json:"step_name,omitempty"`

	ResultPath      string `json:"result_path,omitempty"`
	ResultSizeBytes int64  `json:"result_size_bytes,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	RetainForResearch bool   `json:"retain_for_research"`
	Contact           string `json:"contact,omitempty"`
}

// New creates a queued job with a fresh identifier and creation
// timestamp. The queue sequence is allocated by Store.Create.
func New(inputFilename, inputPath string, options map[string]string, retain bool, contact string) *Job {
	return &Job{
		ID:                uuid.NewString(),
		InputFilename:     inputFilename,
		InputPath:         inputPath,
		Options:           options,
		Status:            StateQueued,
		CreatedAt:         time.Now().UTC(),
		TotalSteps:        4,
		RetainForResearch: retain,
		Contact:           contact,
	}
}

// Terminal reports whether the job has reached an immutable state.
func (j *Job) Terminal() bool {
	return j.Status == StateComplete || j.Status == StateError
}

// Duration returns the processing duration for a finished job, or zero
// when timestamps are missing.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
