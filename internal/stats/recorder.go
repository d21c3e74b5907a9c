// Package stats tracks processing-time history and aggregate usage
// counters in the durable store, and derives ETA estimates from them.
package stats

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"kneeproc/internal/apperrors"
)

const (
	timesKey          = "processing_times"
	totalProcessedKey = "stats:total_processed"
	dailyProcessedKey = "stats:processed:" // + ISO date
	contactsKey       = "stats:unique_contacts"
	startupKey        = "stats:startup_time"
)

// historySize bounds the processing-time history. Only the most recent
// durations feed the rolling average; this is not an audit log.
const historySize = 20

// DefaultAverageSeconds is the ETA basis before any job has completed.
const DefaultAverageSeconds = 240.0

// dailyCounterTTL keeps per-day counters around for a week.
const dailyCounterTTL = 7 * 24 * time.Hour

// Recorder reads and writes usage statistics. The store client is
// injected so tests can run against an in-process instance.
type Recorder struct {
	rdb redis.UniversalClient
}

// NewRecorder creates a statistics recorder.
func NewRecorder(rdb redis.UniversalClient) *Recorder {
	return &Recorder{rdb: rdb}
}

// Record appends one successful-run duration to the history, evicting
// the oldest entry beyond capacity.
func (r *Recorder) Record(ctx context.Context, duration time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, timesKey, duration.Seconds())
	pipe.LTrim(ctx, timesKey, 0, historySize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Internal("stats.record", err)
	}
	return nil
}

// Average returns the rolling mean of recent processing times in
// seconds, or DefaultAverageSeconds when no history exists yet.
func (r *Recorder) Average(ctx context.Context) (float64, error) {
	values, err := r.rdb.LRange(ctx, timesKey, 0, historySize-1).Result()
	if err != nil {
		return 0, apperrors.Internal("stats.average", err)
	}
	if len(values) == 0 {
		return DefaultAverageSeconds, nil
	}
	var sum float64
	var n int
	for _, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		sum += f
		n++
	}
	if n == 0 {
		return DefaultAverageSeconds, nil
	}
	return sum / float64(n), nil
}

// ETA estimates the wait in seconds for a job at the given 1-indexed
// queue position.
func (r *Recorder) ETA(ctx context.Context, position int64) (float64, error) {
	avg, err := r.Average(ctx)
	if err != nil {
		return 0, err
	}
	return float64(position) * avg, nil
}

// IncrementProcessed bumps the all-time and per-day processed counters.
func (r *Recorder) IncrementProcessed(ctx context.Context) error {
	today := dailyProcessedKey + time.Now().Format("2006-01-02")
	pipe := r.rdb.TxPipeline()
	pipe.Incr(ctx, totalProcessedKey)
	pipe.Incr(ctx, today)
	pipe.Expire(ctx, today, dailyCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Internal("stats.incrementProcessed", err)
	}
	return nil
}

// TrackContact records an opaque contact identifier for unique-user
// counting. Identifiers are stored as given; normalization is the
// upload collaborator's concern.
func (r *Recorder) TrackContact(ctx context.Context, contact string) error {
	if contact == "" {
		return nil
	}
	if err := r.rdb.SAdd(ctx, contactsKey, contact).Err(); err != nil {
		return apperrors.Internal("stats.trackContact", err)
	}
	return nil
}

// Snapshot is a point-in-time view of aggregate usage.
type Snapshot struct {
	TotalProcessed  int64   `json:"total_processed"`
	TodayProcessed  int64   `json:"today_processed"`
	UniqueContacts  int64   `json:"unique_contacts"`
	AverageSeconds  float64 `json:"avg_processing_time_seconds"`
	UptimeHours     float64 `json:"uptime_hours"`
	HistoryRecorded int64   `json:"history_recorded"`
}

// Snapshot collects all usage statistics. The first call after a fresh
// store records the startup timestamp used for uptime.
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{}

	total, err := r.rdb.Get(ctx, totalProcessedKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, apperrors.Internal("stats.snapshot", err)
	}
	s.TotalProcessed = total

	today := dailyProcessedKey + time.Now().Format("2006-01-02")
	todayCount, err := r.rdb.Get(ctx, today).Int64()
	if err != nil && err != redis.Nil {
		return nil, apperrors.Internal("stats.snapshot", err)
	}
	s.TodayProcessed = todayCount

	s.UniqueContacts, err = r.rdb.SCard(ctx, contactsKey).Result()
	if err != nil {
		return nil, apperrors.Internal("stats.snapshot", err)
	}

	s.AverageSeconds, err = r.Average(ctx)
	if err != nil {
		return nil, err
	}

	s.HistoryRecorded, err = r.rdb.LLen(ctx, timesKey).Result()
	if err != nil {
		return nil, apperrors.Internal("stats.snapshot", err)
	}

	startup, err := r.rdb.Get(ctx, startupKey).Result()
	switch {
	case err == redis.Nil:
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.rdb.Set(ctx, startupKey, now, 0).Err(); err != nil {
			return nil, apperrors.Internal("stats.snapshot", err)
		}
	case err != nil:
		return nil, apperrors.Internal("stats.snapshot", err)
	default:
		if started, perr := time.Parse(time.RFC3339, startup); perr == nil {
			s.UptimeHours = time.Since(started).Hours()
		}
	}

	return s, nil
}
