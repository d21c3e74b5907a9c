package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"kneeproc/internal/job"
	"kneeproc/internal/testutil"
)

func terminalJob(status job.State) *job.Job {
	j := job.New("scan.nii.gz", "/uploads/scan.nii.gz", nil, false, "")
	j.Status = status
	if status == job.StateError {
		j.ErrorCode = "TIMEOUT"
		j.ErrorMessage = "Processing exceeded the time limit."
	}
	return j
}

func TestNotifier_Delivers(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	var gotEvent Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotEvent); err != nil {
			t.Errorf("Failed to decode event: %v", err)
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{URL: server.URL}, nil)
	defer n.Close(context.Background())

	n.JobFinished(context.Background(), terminalJob(job.StateError))

	testutil.MustWaitForCount(t, &received, 1, testutil.WithTimeout(5*time.Second))

	if gotEvent.Status != job.StateError {
		t.Errorf("Expected status %q, got %q", job.StateError, gotEvent.Status)
	}
	if gotEvent.ErrorCode != "TIMEOUT" {
		t.Errorf("Expected error code TIMEOUT, got %q", gotEvent.ErrorCode)
	}

	delivered, failed, dropped := n.Stats()
	if delivered != 1 || failed != 0 || dropped != 0 {
		t.Errorf("Expected 1/0/0, got %d/%d/%d", delivered, failed, dropped)
	}
}

func TestNotifier_SignsPayload(t *testing.T) {
	t.Parallel()

	const key = "webhook-secret"
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-Signature-256"); got != want {
			t.Errorf("Expected signature %q, got %q", want, got)
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{URL: server.URL, SigningKey: key}, nil)
	defer n.Close(context.Background())

	n.JobFinished(context.Background(), terminalJob(job.StateComplete))
	testutil.MustWaitForCount(t, &received, 1, testutil.WithTimeout(5*time.Second))
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{URL: server.URL, MaxRetries: 5}, nil)
	defer n.Close(context.Background())

	n.JobFinished(context.Background(), terminalJob(job.StateComplete))

	testutil.MustWaitFor(t, func() bool {
		delivered, _, _ := n.Stats()
		return delivered == 1
	}, testutil.WithTimeout(10*time.Second))

	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNotifier_NoRetryOnClientError(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := New(Config{URL: server.URL, MaxRetries: 5}, nil)
	defer n.Close(context.Background())

	n.JobFinished(context.Background(), terminalJob(job.StateComplete))

	testutil.MustWaitFor(t, func() bool {
		_, failed, _ := n.Stats()
		return failed == 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts.Load())
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &httpError{statusCode: 400}, true},
		{"not found", &httpError{statusCode: 404}, true},
		{"wrapped client error", fmt.Errorf("deliver: %w", &httpError{statusCode: 422}), true},
		{"server error", &httpError{statusCode: 503}, false},
		{"transport error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isClientError(tt.err); got != tt.want {
				t.Errorf("isClientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNotifier_DisabledWithoutURL(t *testing.T) {
	t.Parallel()

	n := New(Config{}, nil)
	defer n.Close(context.Background())

	n.JobFinished(context.Background(), terminalJob(job.StateComplete))

	delivered, failed, dropped := n.Stats()
	if delivered != 0 || failed != 0 || dropped != 0 {
		t.Errorf("Expected no activity, got %d/%d/%d", delivered, failed, dropped)
	}
}

func TestNotifier_CloseDrainsQueue(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(Config{URL: server.URL}, nil)
	for i := 0; i < 5; i++ {
		n.JobFinished(context.Background(), terminalJob(job.StateComplete))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if received.Load() != 5 {
		t.Errorf("Expected 5 deliveries after drain, got %d", received.Load())
	}
}
