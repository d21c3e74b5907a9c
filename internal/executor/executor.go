// Package executor drives a job through its state machine: it owns the
// queued -> processing -> {complete, error} transitions, supervises the
// pipeline run, and keeps the durable record current while output
// streams in.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"kneeproc/internal/gpu"
	"kneeproc/internal/job"
	"kneeproc/internal/observability"
	"kneeproc/internal/pipeline"
	"kneeproc/internal/progress"
	"kneeproc/internal/stats"
	"kneeproc/pkg/backoff"
)

// Invoker runs one pipeline command. Satisfied by *pipeline.Runner;
// tests substitute fakes.
type Invoker interface {
	Run(cmd pipeline.Command, onLine pipeline.LineHandler) (*pipeline.Result, error)
}

// Notifier receives terminal-job events. Optional.
type Notifier interface {
	JobFinished(ctx context.Context, j *job.Job)
}

// Config holds executor settings.
type Config struct {
	// Executable is the pipeline binary invoked per the process
	// contract: <executable> <input> <outdir> <model>.
	Executable string
	// ResultsDir is the base directory for per-job output.
	ResultsDir string
	// Timeout bounds one pipeline run. 0 uses pipeline.DefaultTimeout.
	Timeout time.Duration
	// StartRetries bounds in-place retries when the process fails
	// before producing any output.
	StartRetries int
	// StallInterval is how long the pipeline may stay silent before a
	// synthetic time-based progress event is recorded.
	StallInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = pipeline.DefaultTimeout
	}
	if c.StartRetries <= 0 {
		c.StartRetries = 2
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 15 * time.Second
	}
	return c
}

// Executor executes dispatched jobs one at a time.
type Executor struct {
	store    *job.Store
	stats    *stats.Recorder
	guard    *gpu.Guard
	invoker  Invoker
	notifier Notifier
	metrics  *observability.Metrics
	cfg      Config
}

// New creates an executor. notifier and metrics may be nil.
func New(store *job.Store, recorder *stats.Recorder, guard *gpu.Guard, invoker Invoker, notifier Notifier, metrics *observability.Metrics, cfg Config) *Executor {
	return &Executor{
		store:    store,
		stats:    recorder,
		guard:    guard,
		invoker:  invoker,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// Execute runs one dispatched job to a terminal state.
//
// An error return means nothing durable happened yet and the dispatch
// layer may redeliver; once the job has left the queued state every
// outcome is written to the record and Execute returns nil.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	logger := slog.With("jobId", jobID)

	j, err := e.store.Load(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if j.Terminal() {
		logger.Info("Job already terminal, skipping", "status", j.Status)
		return nil
	}

	// A redelivered job that is already marked processing means the
	// previous run died mid-flight. Re-running a half-finished job is
	// disallowed; fail it explicitly.
	if j.Status == job.StateProcessing {
		logger.Warn("Job was interrupted by a previous crash, failing it")
		e.abandonJob(ctx, j, logger)
		return nil
	}

	lease, err := e.guard.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire accelerator: %w", err)
	}
	defer lease.Release()

	// queued -> processing: timestamp, status, and queue removal are
	// one logical step; Save reconciles queue membership atomically.
	started := time.Now().UTC()
	j.Status = job.StateProcessing
	j.StartedAt = &started
	if err := e.store.Save(ctx, j); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordJobStarted(ctx, pipeline.ModelName(j.Options))
	}
	logger.Info("Job processing started", "input", j.InputPath)

	e.run(ctx, j, logger)
	return nil
}

// run executes the pipeline for a job already marked processing and
// writes the terminal outcome.
func (e *Executor) run(ctx context.Context, j *job.Job, logger *slog.Logger) {
	outputDir := filepath.Join(e.cfg.ResultsDir, j.ID)
	pipelineOut := filepath.Join(outputDir, "pipeline_output")
	if err := os.MkdirAll(pipelineOut, 0o755); err != nil {
		logger.Error("Failed to create output directory", "error", err)
		e.failJob(ctx, j, pipeline.Lookup(pipeline.CodeInfrastructure), logger)
		return
	}

	configPath, err := pipeline.WriteConfig(outputDir, j.Options)
	if err != nil {
		logger.Error("Failed to write pipeline config", "error", err)
		e.failJob(ctx, j, pipeline.Lookup(pipeline.CodeInfrastructure), logger)
		return
	}

	model := pipeline.ModelName(j.Options)
	cmd := pipeline.NewCommand(e.cfg.Executable, j.InputPath, pipelineOut, model, configPath, e.cfg.Timeout)

	estTotal, err := e.stats.Average(ctx)
	if err != nil {
		estTotal = stats.DefaultAverageSeconds
	}

	res, runErr := e.runWithRetry(ctx, j, cmd, estTotal, logger)

	switch {
	case errors.Is(runErr, pipeline.ErrTimeout):
		logger.Warn("Pipeline timed out", "timeout", e.cfg.Timeout)
		e.failJob(ctx, j, pipeline.Lookup(pipeline.CodeTimeout), logger)

	case runErr != nil:
		logger.Error("Pipeline could not be run", "error", runErr)
		e.failJob(ctx, j, pipeline.Classify(outputOf(res), runErr), logger)

	case res.ExitCode != 0:
		logger.Warn("Pipeline exited non-zero", "exitCode", res.ExitCode)
		e.failJob(ctx, j, pipeline.Classify(res.Output(), nil), logger)

	case !pipeline.VerifyOutputs(pipelineOut):
		logger.Error("Pipeline succeeded but produced no outputs")
		e.failJob(ctx, j, pipeline.Lookup(pipeline.CodeExecutionFailure), logger)

	default:
		e.completeJob(ctx, j, pipelineOut, outputDir, logger)
	}
}

// runWithRetry invokes the pipeline, retrying with backoff when the
// process failed before producing any output. Semantic failures (any
// run that produced output or exited on its own) are never retried.
func (e *Executor) runWithRetry(ctx context.Context, j *job.Job, cmd pipeline.Command, estTotal float64, logger *slog.Logger) (*pipeline.Result, error) {
	var res *pipeline.Result
	var runErr error

	for attempt := 0; attempt <= e.cfg.StartRetries; attempt++ {
		if attempt > 0 {
			delay := backoff.Exponential(attempt, &backoff.Config{Initial: 2 * time.Second, Max: time.Minute})
			logger.Warn("Retrying pipeline start", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return res, runErr
			case <-time.After(delay):
			}
		}

		res, runErr = e.supervise(ctx, j, cmd, estTotal)
		if runErr == nil || errors.Is(runErr, pipeline.ErrTimeout) {
			return res, runErr
		}
		if outputOf(res) != "" {
			// The process ran far enough to speak; its failure is
			// semantic, not infrastructure.
			return res, runErr
		}
	}
	return res, runErr
}

// supervise runs the pipeline once, feeding parsed progress events to a
// tracker goroutine that persists them. Line handling stays pure; all
// store writes happen off the drain path.
func (e *Executor) supervise(ctx context.Context, j *job.Job, cmd pipeline.Command, estTotal float64) (*pipeline.Result, error) {
	events := make(chan *progress.Event, 16)
	done := make(chan struct{})
	started := time.Now()

	go e.trackProgress(ctx, j, events, started, estTotal, done)

	onLine := func(stream pipeline.Stream, line string) {
		if ev := progress.Parse(line); ev != nil {
			select {
			case events <- ev:
			default: // tracker is behind; newer events supersede this one
			}
		}
	}

	res, runErr := e.invoker.Run(cmd, onLine)
	close(events)
	<-done
	return res, runErr
}

// trackProgress applies streamed progress events to the job record and
// synthesizes time-based estimates during silent phases.
func (e *Executor) trackProgress(ctx context.Context, j *job.Job, events <-chan *progress.Event, started time.Time, estTotal float64, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.StallInterval)
	defer ticker.Stop()
	lastEvent := time.Now()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			lastEvent = time.Now()
			e.applyProgress(ctx, j, ev)
		case <-ticker.C:
			if time.Since(lastEvent) < e.cfg.StallInterval {
				continue
			}
			elapsed := time.Since(started).Seconds()
			e.applyProgress(ctx, j, progress.EstimateFromTime(elapsed, estTotal))
		}
	}
}

// applyProgress persists one progress observation. Progress never
// regresses within a run: an event below the recorded percent is
// dropped.
func (e *Executor) applyProgress(ctx context.Context, j *job.Job, ev *progress.Event) {
	if ev.Percent < j.ProgressPercent {
		return
	}
	j.ProgressPercent = ev.Percent
	j.CurrentStep = ev.Step
	j.TotalSteps = ev.Total
	j.StepName = ev.StepName
	if err := e.store.Save(ctx, j); err != nil {
		slog.Warn("Failed to persist progress", "jobId", j.ID, "error", err)
	}
}

// completeJob packages results and writes the complete transition, then
// records statistics.
func (e *Executor) completeJob(ctx context.Context, j *job.Job, pipelineOut, outputDir string, logger *slog.Logger) {
	archivePath, size, err := pipeline.ArchiveResults(pipelineOut, outputDir, pipeline.InputStem(j.InputPath))
	if err != nil {
		logger.Error("Failed to package results", "error", err)
		e.failJob(ctx, j, pipeline.Lookup(pipeline.CodeInfrastructure), logger)
		return
	}

	completed := time.Now().UTC()
	j.Status = job.StateComplete
	j.CompletedAt = &completed
	j.ProgressPercent = 100
	j.CurrentStep = j.TotalSteps
	j.StepName = "Complete"
	j.ResultPath = archivePath
	j.ResultSizeBytes = size
	if err := e.store.Save(ctx, j); err != nil {
		logger.Error("Failed to persist completion", "error", err)
		return
	}

	duration := j.Duration()
	if err := e.stats.Record(ctx, duration); err != nil {
		logger.Warn("Failed to record processing time", "error", err)
	}
	if err := e.stats.IncrementProcessed(ctx); err != nil {
		logger.Warn("Failed to increment processed count", "error", err)
	}
	if err := e.stats.TrackContact(ctx, j.Contact); err != nil {
		logger.Warn("Failed to track contact", "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordJobCompleted(ctx, pipeline.ModelName(j.Options), true, duration.Seconds())
	}
	if e.notifier != nil {
		e.notifier.JobFinished(ctx, j)
	}

	logger.Info("Job complete", "duration", duration, "resultBytes", size)
}

// abandonJob fails a job this worker never started: the terminal record
// is written but the slot gauge, which this process never incremented,
// stays untouched.
func (e *Executor) abandonJob(ctx context.Context, j *job.Job, logger *slog.Logger) {
	cls := pipeline.Lookup(pipeline.CodeInfrastructure)
	j.Status = job.StateError
	j.ErrorCode = string(cls.Code)
	j.ErrorMessage = cls.Message + " " + cls.RecoveryHint
	if err := e.store.Save(ctx, j); err != nil {
		logger.Error("Failed to persist error state", "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.RecordJobAbandoned(ctx, pipeline.ModelName(j.Options))
	}
	if e.notifier != nil {
		e.notifier.JobFinished(ctx, j)
	}

	logger.Warn("Job failed", "errorCode", j.ErrorCode)
}

// failJob writes the error transition. Failed-run durations are not
// representative and are never added to the processing-time history.
func (e *Executor) failJob(ctx context.Context, j *job.Job, cls pipeline.Classification, logger *slog.Logger) {
	j.Status = job.StateError
	j.ErrorCode = string(cls.Code)
	j.ErrorMessage = cls.Message + " " + cls.RecoveryHint
	if err := e.store.Save(ctx, j); err != nil {
		logger.Error("Failed to persist error state", "error", err)
		return
	}

	if e.metrics != nil {
		var duration float64
		if j.StartedAt != nil {
			duration = time.Since(*j.StartedAt).Seconds()
		}
		e.metrics.RecordJobCompleted(ctx, pipeline.ModelName(j.Options), false, duration)
	}
	if e.notifier != nil {
		e.notifier.JobFinished(ctx, j)
	}

	logger.Warn("Job failed", "errorCode", j.ErrorCode)
}

func outputOf(res *pipeline.Result) string {
	if res == nil {
		return ""
	}
	return res.Output()
}
