package job

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"kneeproc/internal/apperrors"
)

// Store schema. Jobs live in a hash keyed by ID; queued jobs are
// additionally tracked in a sorted set whose score encodes FIFO order.
const (
	hashKey  = "jobs"
	queueKey = "job_queue"
	seqKey   = "job_queue:seq"
)

// Store persists job records and maintains the queue index. The client
// is injected so tests can substitute an in-process store.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore creates a job store on the given client.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Create allocates the job's queue sequence and persists it. The job
// must be in StateQueued.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.Status != StateQueued {
		return apperrors.Validation("status", "new jobs must be queued")
	}
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	j.QueueSeq = seq
	return s.Save(ctx, j)
}

// Save upserts the job record and reconciles queue membership in the
// same transaction: a queued job is (re)inserted into the queue index,
// any other state removes it. No reader can observe a job as both
// processing and in the queue.
func (s *Store) Save(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return apperrors.Internal("store.save", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, hashKey, j.ID, data)
	if j.Status == StateQueued {
		pipe.ZAdd(ctx, queueKey, redis.Z{Score: queueScore(j), Member: j.ID})
	} else {
		pipe.ZRem(ctx, queueKey, j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Internal("store.save", err)
	}
	return nil
}

// Load fetches a job by ID. Absence is a first-class outcome reported
// as apperrors.ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.HGet(ctx, hashKey, id).Result()
	if err == redis.Nil {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.load", err)
	}
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, apperrors.Internal("store.load", err)
	}
	return &j, nil
}

// Position returns the job's 1-indexed rank in the queue, or 0 when the
// job is not queued. The queue index is the sole source of truth for
// position; it is never cached on the record.
func (s *Store) Position(ctx context.Context, id string) (int64, error) {
	rank, err := s.rdb.ZRank(ctx, queueKey, id).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Internal("store.position", err)
	}
	return rank + 1, nil
}

// QueueLen returns the number of currently queued jobs.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, apperrors.Internal("store.queueLen", err)
	}
	return n, nil
}

// ProcessingCount returns how many jobs are currently marked
// processing. Used by invariant checks and operational tooling; with a
// single execution slot this never exceeds one.
func (s *Store) ProcessingCount(ctx context.Context) (int, error) {
	all, err := s.rdb.HVals(ctx, hashKey).Result()
	if err != nil {
		return 0, apperrors.Internal("store.processingCount", err)
	}
	count := 0
	for _, data := range all {
		var j Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			continue
		}
		if j.Status == StateProcessing {
			count++
		}
	}
	return count, nil
}

// Ping verifies store connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.Internal("store.ping", err)
	}
	return nil
}

// queueScore orders the queue strictly FIFO. The insertion sequence is
// allocated by a monotonic counter at creation time, so it encodes
// creation order directly and is exactly representable as a float64
// score. A timestamp-based score cannot serve here: at epoch-second
// magnitudes float64 resolution is coarser than any same-second
// tie-break fraction, which would leave equal scores ordered by member
// string.
func queueScore(j *Job) float64 {
	return float64(j.QueueSeq)
}
