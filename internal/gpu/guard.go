// Package gpu enforces exclusive use of the accelerator and performs
// post-job cleanup before the slot becomes available again.
package gpu

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// CleanupFunc frees the accelerator's working memory after a job. It
// runs on every lease release, bounded by the context deadline, so one
// bad job cannot degrade the next.
type CleanupFunc func(ctx context.Context) error

// Guard is a capacity-one semaphore over the accelerator. At most one
// lease exists at a time; the slot is freed only after cleanup has run.
type Guard struct {
	slot           chan struct{}
	cleanup        CleanupFunc
	cleanupTimeout time.Duration
}

// NewGuard creates a guard. A nil cleanup is allowed and skips the
// post-release step.
func NewGuard(cleanup CleanupFunc) *Guard {
	g := &Guard{
		slot:           make(chan struct{}, 1),
		cleanup:        cleanup,
		cleanupTimeout: 30 * time.Second,
	}
	g.slot <- struct{}{}
	return g
}

// Acquire blocks until the accelerator slot is free or the context is
// cancelled. The returned lease must be released on every exit path;
// callers defer Release immediately.
func (g *Guard) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-g.slot:
		return &Lease{guard: g}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the slot without blocking. Returns nil when the
// accelerator is busy.
func (g *Guard) TryAcquire() *Lease {
	select {
	case <-g.slot:
		return &Lease{guard: g}
	default:
		return nil
	}
}

// Lease represents exclusive ownership of the accelerator for one job.
type Lease struct {
	guard *Guard
	once  sync.Once
}

// Release runs cleanup and frees the slot. Safe to call more than once;
// only the first call has effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.guard.cleanup != nil {
			ctx, cancel := context.WithTimeout(context.Background(), l.guard.cleanupTimeout)
			defer cancel()
			if err := l.guard.cleanup(ctx); err != nil {
				slog.Warn("Accelerator cleanup failed", "error", err)
			}
		}
		l.guard.slot <- struct{}{}
	})
}

// CommandCleanup returns a CleanupFunc that runs the given command,
// e.g. a script that empties the accelerator's memory cache.
func CommandCleanup(argv []string) CleanupFunc {
	if len(argv) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		return cmd.Run()
	}
}
