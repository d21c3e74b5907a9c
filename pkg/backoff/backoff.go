// Package backoff provides exponential backoff calculation for retry
// loops.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Factor  float64       // growth factor per attempt, default: 2
}

// Exponential calculates the delay before the given attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*Factor, and so
// on, capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	factor := 2.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		if cfg.Factor > 1 {
			factor = cfg.Factor
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Jittered returns Exponential with up to 25% random jitter added, so
// concurrent retriers do not synchronize against a recovering
// dependency.
func Jittered(attempt int, cfg *Config) time.Duration {
	base := Exponential(attempt, cfg)
	jitter := time.Duration(rand.Int64N(int64(base)/4 + 1))
	return base + jitter
}
