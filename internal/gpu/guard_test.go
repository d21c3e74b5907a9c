package gpu

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGuardMutualExclusion(t *testing.T) {
	t.Parallel()
	g := NewGuard(nil)

	lease, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if second := g.TryAcquire(); second != nil {
		t.Fatal("second acquire succeeded while lease held")
	}

	lease.Release()

	second := g.TryAcquire()
	if second == nil {
		t.Fatal("acquire failed after release")
	}
	second.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	g := NewGuard(nil)

	lease, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReleaseRunsCleanupOnce(t *testing.T) {
	t.Parallel()

	var cleanups atomic.Int32
	g := NewGuard(func(ctx context.Context) error {
		cleanups.Add(1)
		return nil
	})

	lease, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	lease.Release()
	lease.Release()
	lease.Release()

	if got := cleanups.Load(); got != 1 {
		t.Errorf("cleanup ran %d times, want 1", got)
	}

	// Slot is free exactly once despite repeated releases.
	first := g.TryAcquire()
	if first == nil {
		t.Fatal("slot not freed after release")
	}
	if second := g.TryAcquire(); second != nil {
		t.Fatal("repeated Release freed the slot twice")
	}
	first.Release()
}

func TestCleanupRunsBeforeSlotFrees(t *testing.T) {
	t.Parallel()

	// The flag must tolerate cleanup running again when later leases
	// release.
	var cleaned atomic.Bool
	g := NewGuard(func(ctx context.Context) error {
		cleaned.Store(true)
		return nil
	})

	lease, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	// By the time the slot is observable as free, cleanup must have run.
	next := g.TryAcquire()
	if next == nil {
		t.Fatal("slot not freed")
	}
	if !cleaned.Load() {
		t.Error("slot freed before cleanup ran")
	}
	next.Release()
}

func TestCleanupFailureStillFreesSlot(t *testing.T) {
	t.Parallel()

	g := NewGuard(func(ctx context.Context) error {
		return errors.New("device busy")
	})

	lease, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	next := g.TryAcquire()
	if next == nil {
		t.Fatal("failed cleanup must not wedge the slot")
	}
	next.Release()
}
