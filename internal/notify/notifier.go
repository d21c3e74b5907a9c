// Package notify delivers terminal-job webhook notifications
// asynchronously: a bounded in-memory queue drained by a single worker
// with retries, so slow or unreachable endpoints never stall the
// execution slot.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"kneeproc/internal/job"
	"kneeproc/pkg/backoff"
)

// Event is the webhook payload for a job that reached a terminal state.
type Event struct {
	JobID           string    `json:"job_id"`
	Status          job.State `json:"status"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ResultSizeBytes int64     `json:"result_size_bytes,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Time            time.Time `json:"time"`
}

// MetricsRecorder is an optional sink for notifier metrics.
type MetricsRecorder interface {
	RecordNotifierDelivered(ctx context.Context)
	RecordNotifierFailed(ctx context.Context)
	RecordNotifierDropped(ctx context.Context)
}

// Config holds notifier settings. An empty URL disables delivery.
type Config struct {
	URL         string
	SigningKey  string        // HMAC-SHA256 key, empty = unsigned
	BufferSize  int           // default 64
	HTTPTimeout time.Duration // default 10s
	MaxRetries  int           // default 3
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Notifier queues and delivers webhook notifications.
type Notifier struct {
	cfg     Config
	client  *http.Client
	queue   chan *Event
	logger  *slog.Logger
	metrics MetricsRecorder

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a notifier and starts its delivery worker. metrics may be
// nil.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	n := &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		queue:    make(chan *Event, cfg.BufferSize),
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.worker()
	return n
}

// JobFinished enqueues a notification for a terminal job. Non-blocking:
// when the buffer is full the event is dropped and counted.
func (n *Notifier) JobFinished(ctx context.Context, j *job.Job) {
	if n.cfg.URL == "" || n.closed.Load() {
		return
	}

	event := &Event{
		JobID:        j.ID,
		Status:       j.Status,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		Time:         time.Now().UTC(),
	}
	if j.Status == job.StateComplete {
		event.ResultSizeBytes = j.ResultSizeBytes
		event.DurationSeconds = j.Duration().Seconds()
	}

	select {
	case n.queue <- event:
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierDropped(ctx)
		}
		n.logger.Warn("Notification dropped, buffer full", "jobId", j.ID)
	}
}

// Stats reports delivery counters.
func (n *Notifier) Stats() (delivered, failed, dropped int64) {
	return n.delivered.Load(), n.failed.Load(), n.dropped.Load()
}

// Close drains the queue and stops the worker. The context bounds the
// drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			for {
				select {
				case event := <-n.queue:
					n.deliver(event)
				default:
					return
				}
			}
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

func (n *Notifier) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = n.cfg.MaxRetries + 1
				continue
			case <-time.After(backoff.Jittered(attempt, nil)):
			}
		}

		lastErr = n.send(ctx, event)
		if lastErr == nil {
			n.delivered.Add(1)
			if n.metrics != nil {
				n.metrics.RecordNotifierDelivered(ctx)
			}
			return
		}
		if isClientError(lastErr) {
			break
		}
	}

	n.failed.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierFailed(ctx)
	}
	n.logger.Warn("Notification delivery failed", "jobId", event.JobID, "error", lastErr)
}

func (n *Notifier) send(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.SigningKey != "" {
		req.Header.Set("X-Signature-256", sign(body, n.cfg.SigningKey))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &httpError{statusCode: resp.StatusCode}
}

// sign computes the HMAC-SHA256 signature header value.
func sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d", e.statusCode)
}

// isClientError reports 4xx responses, which will not succeed on retry.
func isClientError(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.statusCode >= 400 && he.statusCode < 500
}
