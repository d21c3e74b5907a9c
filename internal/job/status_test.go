package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kneeproc/internal/apperrors"
	"kneeproc/internal/stats"
)

func newTestReporter(t *testing.T) (*StatusReporter, *Store, *stats.Recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := NewStore(rdb)
	recorder := stats.NewRecorder(rdb)
	return NewStatusReporter(store, recorder), store, recorder
}

func TestStatusQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reporter, store, recorder := newTestReporter(t)

	for _, d := range []time.Duration{100 * time.Second, 200 * time.Second, 300 * time.Second} {
		if err := recorder.Record(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	first := New("a", "/data/a", nil, false, "")
	second := New("b", "/data/b", nil, false, "")
	for _, j := range []*Job{first, second} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	view, err := reporter.Status(ctx, second.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Status != StateQueued {
		t.Errorf("status = %s, want queued", view.Status)
	}
	if view.QueuePosition != 2 {
		t.Errorf("position = %d, want 2", view.QueuePosition)
	}
	if view.EstimatedWaitSeconds != 400.0 {
		t.Errorf("eta = %v, want 400.0 (2 x 200s average)", view.EstimatedWaitSeconds)
	}
}

func TestStatusProcessing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reporter, store, _ := newTestReporter(t)

	j := New("a", "/data/a", nil, false, "")
	if err := store.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	started := time.Now().UTC().Add(-90 * time.Second)
	j.Status = StateProcessing
	j.StartedAt = &started
	j.ProgressPercent = 30
	j.CurrentStep = 3
	j.TotalSteps = 10
	j.StepName = "Running segmentation"
	if err := store.Save(ctx, j); err != nil {
		t.Fatal(err)
	}

	view, err := reporter.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.ProgressPercent != 30 || view.CurrentStep != 3 || view.StepName != "Running segmentation" {
		t.Errorf("processing view = %+v", view)
	}
	if view.ElapsedSeconds < 89 {
		t.Errorf("elapsed = %d, want >= 89", view.ElapsedSeconds)
	}
	if view.EstimatedRemainingSeconds != 7*avgSecondsPerStep {
		t.Errorf("remaining = %d, want %d", view.EstimatedRemainingSeconds, 7*avgSecondsPerStep)
	}
	if view.QueuePosition != 0 {
		t.Error("processing job must not report a queue position")
	}
}

func TestStatusComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reporter, store, _ := newTestReporter(t)

	j := New("a", "/data/a", nil, false, "")
	if err := store.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	started := time.Now().UTC().Add(-5 * time.Minute)
	completed := started.Add(3 * time.Minute)
	j.Status = StateComplete
	j.StartedAt = &started
	j.CompletedAt = &completed
	j.ProgressPercent = 100
	j.ResultPath = "/data/results/a_results.zip"
	j.ResultSizeBytes = 1234
	if err := store.Save(ctx, j); err != nil {
		t.Fatal(err)
	}

	view, err := reporter.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.ResultPath != "/data/results/a_results.zip" || view.ResultSizeBytes != 1234 {
		t.Errorf("complete view = %+v", view)
	}
	if view.ProcessingTimeSeconds != 180 {
		t.Errorf("processing time = %d, want 180", view.ProcessingTimeSeconds)
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reporter, store, _ := newTestReporter(t)

	j := New("a", "/data/a", nil, false, "")
	if err := store.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	j.Status = StateError
	j.ErrorCode = "TIMEOUT"
	j.ErrorMessage = "Processing took longer than expected and was stopped."
	if err := store.Save(ctx, j); err != nil {
		t.Fatal(err)
	}

	view, err := reporter.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.ErrorCode != "TIMEOUT" || view.ErrorMessage == "" {
		t.Errorf("error view = %+v", view)
	}
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reporter, _, _ := newTestReporter(t)

	_, err := reporter.Status(ctx, "expired-job")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
