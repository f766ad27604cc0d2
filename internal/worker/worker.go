package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/notejobs/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Terminal and intermediate state names written into the queue meta hash.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateRetry     = "retry"
)

// Record is a minimal internal representation used to manage job lifecycle.
// Field tags must stay in sync with notejobs.Job.
type Record struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Queue        string `json:"queue"`
	Payload      []byte `json:"payload,omitempty"`
	DedupKey     string `json:"dedup_key,omitempty"`
	Retry        int    `json:"retry"`
	MaxRetry     int    `json:"max_retry"`
	Retention    int64  `json:"retention"`
	ErrRetention int64  `json:"err_retention,omitempty"`
	CreatedAt    int64  `json:"created_at,omitempty"`
	DeadlineMs   int64  `json:"deadline_ms,omitempty"`
	StartedAt    int64  `json:"started_at,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	LastErrorAt  int64  `json:"last_error_at,omitempty"`
	Progress     int    `json:"progress,omitempty"`
	Result       []byte `json:"result,omitempty"`
}

var jobPool = sync.Pool{New: func() any { return new(Record) }}

// Atomic dequeue script: RPOP from pending and ZADD into active with lease score.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('RPOP', KEYS[1])
	if not v then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], v)
	return v
	`,
)

// Recycle returns a Record to the pool.
func Recycle(j *Record) {
	if j == nil {
		return
	}
	*j = Record{}
	jobPool.Put(j)
}

// DequeueJob atomically moves a job from the pending list to the active ZSET
// and returns the decoded record and its raw JSON representation.
func DequeueJob(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, lease time.Duration) (*Record, []byte) {
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, strconv.FormatInt(leaseScore(lease), 10)).Result()
	if err != nil || res == nil {
		return nil, nil
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil
	}

	j := jobPool.Get().(*Record)
	if err := sonic.Unmarshal(raw, j); err != nil {
		Recycle(j)
		return nil, nil
	}
	return j, raw
}

// ExtendLease pushes the lease of a claimed job forward. It reports false
// when raw is no longer in the active set, e.g. after it was reclaimed.
func ExtendLease(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte, lease time.Duration) (bool, error) {
	n, err := rdb.ZAddXX(ctx, k.Active, redis.Z{Score: float64(leaseScore(lease)), Member: string(raw)}).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// XX without CH reports zero for updates too, so check membership
		_, err := rdb.ZScore(ctx, k.Active, string(raw)).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// leaseScore is the lease expiry in unix seconds, rounded up so a lease never
// ends before the full duration has passed.
func leaseScore(lease time.Duration) int64 {
	exp := time.Now().Add(lease)
	sec := exp.Unix()
	if exp.Nanosecond() > 0 {
		sec++
	}
	return sec
}

// MarkStarted records the claim time on the queue meta hash.
func MarkStarted(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, j *Record) error {
	return rdb.HSet(ctx, k.Meta, "last_started_at", j.StartedAt, "last_job_id", j.ID).Err()
}

// Complete removes a job from active, stores it in the completed ZSET for its
// retention window and releases its dedup key.
func Complete(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, j *Record, raw []byte) error {
	j.CompletedAt = time.Now().UnixMilli()
	clampProgress(j)
	newRaw := encodeJSON(j)
	expireMs := j.CompletedAt + (j.Retention * 1000)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		if j.DeadlineMs > 0 {
			p.ZRem(ctx, k.Expiry, raw)
		}
		if j.Retention > 0 {
			p.ZAdd(ctx, k.Completed, redis.Z{Score: float64(expireMs), Member: newRaw})
		}
		if j.DedupKey != "" {
			p.SRem(ctx, k.Unique, j.DedupKey)
		}
		p.HSet(ctx, k.Meta, "last_finished_at", j.CompletedAt, "last_state", StateCompleted)
		return nil
	})
	return err
}

// Fail moves a job from active to the failed list and releases its dedup key.
// If ErrRetention is zero the record is dropped instead of retained.
func Fail(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, j *Record, raw []byte, reason string) error {
	now := time.Now().UnixMilli()
	if reason != "" {
		j.LastError = reason
		j.LastErrorAt = now
	}
	j.CompletedAt = now
	clampProgress(j)
	newRaw := encodeJSON(j)

	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		if j.DeadlineMs > 0 {
			p.ZRem(ctx, k.Expiry, raw)
		}
		if j.ErrRetention != 0 {
			p.LPush(ctx, k.Failed, newRaw)
			if j.ErrRetention > 0 {
				p.ZAdd(ctx, k.FailedExpiry, redis.Z{Score: float64(now + j.ErrRetention*1000), Member: newRaw})
			}
		}
		if j.DedupKey != "" {
			p.SRem(ctx, k.Unique, j.DedupKey)
		}
		p.HSet(ctx, k.Meta, "last_finished_at", now, "last_state", StateFailed)
		return nil
	})
	return err
}

// RetryOrFail either re-enqueues a job into the delayed ZSET with exponential
// backoff or fails it when retries are exhausted. The dedup key stays held
// while the job waits for its next attempt.
func RetryOrFail(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, j *Record, raw []byte, lastErr string) (retried bool, err error) {
	if j.Retry >= j.MaxRetry {
		return false, Fail(ctx, rdb, k, j, raw, lastErr)
	}

	j.Retry++
	j.LastError = lastErr
	j.LastErrorAt = time.Now().UnixMilli()
	newRaw := encodeJSON(j)
	next := time.Now().Add(time.Second * time.Duration(1<<j.Retry)).Unix()
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(next), Member: newRaw})
		p.HSet(ctx, k.Meta, "last_state", StateRetry)
		return nil
	})
	return true, err
}

func clampProgress(j *Record) {
	if j.Progress < 0 {
		j.Progress = 0
	} else if j.Progress > 100 {
		j.Progress = 100
	}
}

// encodeJSON encodes with encoding/json; decoding goes through sonic.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
