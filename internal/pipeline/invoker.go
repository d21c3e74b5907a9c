// Package pipeline supervises executions of the external segmentation
// pipeline: process launch, streamed output, wall-clock timeout, and
// failure classification.
package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"kneeproc/internal/apperrors"
)

// ErrTimeout is returned by Run when the process exceeded its wall-clock
// budget and was forcibly terminated. Output captured up to the kill is
// still returned alongside it.
var ErrTimeout = errors.New("pipeline execution timed out")

// DefaultTimeout bounds one pipeline execution.
const DefaultTimeout = 30 * time.Minute

// Stream identifies which output stream a line arrived on.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineHandler receives each output line as soon as it is available.
// Handlers run on the supervision loop and must be fast and non-blocking;
// progress parsing belongs here, I/O does not.
type LineHandler func(stream Stream, line string)

// Command describes one pipeline invocation.
type Command struct {
	Argv    []string
	Env     []string // appended to the parent environment
	Dir     string
	Timeout time.Duration // 0 means DefaultTimeout
}

// Result carries the exit status and fully captured output of a run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output concatenates stderr and stdout for classification. Stderr comes
// first since pipeline failures report there.
func (r *Result) Output() string {
	return strings.TrimSpace(r.Stderr + "\n" + r.Stdout)
}

// outputLine is the hand-off unit between drain goroutines and the
// supervision loop.
type outputLine struct {
	stream Stream
	text   string
}

// Runner executes pipeline commands.
type Runner struct {
	// killGrace bounds how long Run waits for output channels to close
	// after killing a timed-out process.
	killGrace time.Duration
}

// NewRunner creates a process runner.
func NewRunner() *Runner {
	return &Runner{killGrace: 5 * time.Second}
}

// Run launches the command and supervises it with three concurrent
// activities: wait-for-exit, drain-stdout, drain-stderr. Lines from both
// streams are handed to the supervision loop over a channel, which
// captures them and forwards each to onLine. A single wall-clock timer
// governs the whole run; on expiry the process is killed and Run returns
// the captured output together with ErrTimeout.
//
// A non-zero exit code is not an error from Run's perspective: the
// Result carries the code and the caller classifies the output.
func (r *Runner) Run(cmd Command, onLine LineHandler) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, apperrors.Validation("argv", "pipeline command is empty")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	proc := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(proc.Environ(), cmd.Env...)
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, apperrors.Internal("pipeline.stdoutPipe", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, apperrors.Internal("pipeline.stderrPipe", err)
	}

	if err := proc.Start(); err != nil {
		return nil, apperrors.Internal("pipeline.start", err)
	}

	lines := make(chan outputLine, 64)
	var drains sync.WaitGroup
	drains.Add(2)
	go drain(&drains, StreamStdout, stdout, lines)
	go drain(&drains, StreamStderr, stderr, lines)
	go func() {
		drains.Wait()
		close(lines)
	}()

	var stdoutBuf, stderrBuf strings.Builder
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timedOut := false

collect:
	for {
		select {
		case ln, ok := <-lines:
			if !ok {
				break collect
			}
			switch ln.stream {
			case StreamStdout:
				stdoutBuf.WriteString(ln.text)
				stdoutBuf.WriteByte('\n')
			case StreamStderr:
				stderrBuf.WriteString(ln.text)
				stderrBuf.WriteByte('\n')
			}
			if onLine != nil {
				onLine(ln.stream, ln.text)
			}
		case <-timer.C:
			timedOut = true
			_ = proc.Process.Kill()
			// Killing the process closes its pipes; keep collecting
			// until the drains finish so captured output stays complete.
			drainWithGrace(lines, &stdoutBuf, &stderrBuf, onLine, r.killGrace)
			break collect
		}
	}

	waitErr := proc.Wait()

	result := &Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if timedOut {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, apperrors.Internal("pipeline.wait", waitErr)
	}

	return result, nil
}

// drain reads one stream line by line into the hand-off channel.
func drain(wg *sync.WaitGroup, stream Stream, r io.Reader, lines chan<- outputLine) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- outputLine{stream: stream, text: scanner.Text()}
	}
}

// drainWithGrace collects remaining buffered lines after a kill, bounded
// by grace. Returns once the channel is closed or the grace period
// elapses.
func drainWithGrace(lines <-chan outputLine, stdoutBuf, stderrBuf *strings.Builder, onLine LineHandler, grace time.Duration) {
	deadline := time.After(grace)
	for {
		select {
		case ln, ok := <-lines:
			if !ok {
				return
			}
			switch ln.stream {
			case StreamStdout:
				stdoutBuf.WriteString(ln.text)
				stdoutBuf.WriteByte('\n')
			case StreamStderr:
				stderrBuf.WriteString(ln.text)
				stderrBuf.WriteByte('\n')
			}
			if onLine != nil {
				onLine(ln.stream, ln.text)
			}
		case <-deadline:
			return
		}
	}
}
