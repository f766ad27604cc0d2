package notejobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ikeys "github.com/UniQw/notejobs/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClientConfig holds defaults applied to every enqueued job unless an Option overrides them.
type ClientConfig struct {
	// MaxRetry is the default number of retries after the first attempt.
	MaxRetry int
	// Retention is how long completed jobs are kept. Zero drops them immediately.
	Retention time.Duration
	// ErrRetention is how long failed jobs are kept. Negative keeps them forever.
	ErrRetention time.Duration
}

// DefaultClientConfig keeps completed and failed jobs for seven days.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxRetry:     2,
		Retention:    7 * 24 * time.Hour,
		ErrRetention: 7 * 24 * time.Hour,
	}
}

// Client provides APIs to enqueue, schedule and manage jobs in Redis.
type Client struct {
	rdb     redis.UniversalClient
	encoder Encoder
	cfg     ClientConfig
}

// NewClient creates a new client with DefaultClientConfig.
func NewClient(rdb redis.UniversalClient) *Client {
	return NewClientWithConfig(rdb, DefaultClientConfig())
}

// NewClientWithConfig creates a new client with the given defaults.
func NewClientWithConfig(rdb redis.UniversalClient, cfg ClientConfig) *Client {
	return &Client{rdb: rdb, encoder: &JSONEncoder{}, cfg: cfg}
}

// Ping reports whether Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Enqueue adds a job for the named task and returns its ID.
// It returns ErrDuplicateTask if the dedup key (explicit, or the job ID) is
// already held by a job in flight.
func (c *Client) Enqueue(ctx context.Context, name string, payload any, opts ...Option) (string, error) {
	data, err := encodePayload(c.encoder, payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	cfg := &options{
		maxRetry:     c.cfg.MaxRetry,
		retention:    c.cfg.Retention,
		errRetention: c.cfg.ErrRetention,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	dedup := cfg.dedupKey
	if dedup == "" {
		dedup = id
	}

	k := ikeys.For(name)
	ok, err := c.rdb.SAdd(ctx, k.Unique, dedup).Result()
	if err != nil {
		return "", err
	}
	if ok == 0 {
		return "", ErrDuplicateTask
	}

	job := Job{
		ID:           id,
		Name:         name,
		Queue:        name,
		Payload:      data,
		DedupKey:     dedup,
		MaxRetry:     cfg.maxRetry,
		Retention:    seconds(cfg.retention),
		ErrRetention: seconds(cfg.errRetention),
		CreatedAt:    time.Now().UnixMilli(),
		DeadlineMs:   cfg.deadlineMs,
	}
	raw, _ := c.encoder.Encode(job)

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if cfg.delay > 0 {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(cfg.delay).Unix()), Member: raw})
		} else {
			p.LPush(ctx, k.Pending, raw)
		}
		if cfg.deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(cfg.deadlineMs), Member: raw})
		}
		return nil
	})
	if err != nil {
		// roll back the dedup reservation
		_ = c.rdb.SRem(ctx, k.Unique, dedup).Err()
		return "", err
	}
	return id, nil
}

// seconds converts a retention to whole seconds; any negative value means forever.
func seconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d.Seconds())
}

// JobFilter is a function used to filter jobs during ListJobs.
type JobFilter func(*Job) bool

func stateKey(k ikeys.Queue, state State) (string, error) {
	switch state {
	case StateCreated:
		return k.Pending, nil
	case StateActive:
		return k.Active, nil
	case StateRetry:
		return k.Delayed, nil
	case StateCompleted:
		return k.Completed, nil
	case StateFailed:
		return k.Failed, nil
	case StateCancelled:
		return k.Cancelled, nil
	default:
		return "", ErrUnknownState
	}
}

// ListJobs returns the jobs of a task in the given state, optionally filtered.
func (c *Client) ListJobs(ctx context.Context, name string, state State, filter JobFilter) ([]*Job, error) {
	key, err := stateKey(ikeys.For(name), state)
	if err != nil {
		return nil, err
	}

	var strs []string
	switch state {
	case StateCreated, StateFailed, StateCancelled:
		strs, err = c.rdb.LRange(ctx, key, 0, -1).Result()
	default:
		strs, err = c.rdb.ZRange(ctx, key, 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(strs))
	for _, s := range strs {
		var j Job
		if err := c.encoder.Decode([]byte(s), &j); err != nil {
			continue
		}
		j.State = state
		if filter == nil || filter(&j) {
			out = append(out, &j)
		}
	}
	return out, nil
}

// findJob searches the given states for id and returns the job with its raw member.
func (c *Client) findJob(ctx context.Context, name, id string, states ...State) (*Job, string, error) {
	k := ikeys.For(name)
	for _, st := range states {
		key, _ := stateKey(k, st)
		var strs []string
		var err error
		if st == StateCreated || st == StateFailed || st == StateCancelled {
			strs, err = c.rdb.LRange(ctx, key, 0, -1).Result()
		} else {
			strs, err = c.rdb.ZRange(ctx, key, 0, -1).Result()
		}
		if err != nil {
			return nil, "", err
		}
		for _, s := range strs {
			var j Job
			if c.encoder.Decode([]byte(s), &j) == nil && j.ID == id {
				j.State = st
				return &j, s, nil
			}
		}
	}
	return nil, "", nil
}

// Cancel moves a created or retrying job to the cancelled state and releases
// its dedup key. Active jobs cannot be cancelled here; a running task stops
// through its own cooperative mechanism.
func (c *Client) Cancel(ctx context.Context, name, id string) error {
	j, raw, err := c.findJob(ctx, name, id, StateCreated, StateRetry)
	if err != nil {
		return err
	}
	if j == nil {
		if a, _, _ := c.findJob(ctx, name, id, StateActive); a != nil {
			return ErrActiveState
		}
		return ErrJobNotFound
	}

	k := ikeys.For(name)
	from := j.State
	j.CompletedAt = time.Now().UnixMilli()
	newRaw, _ := c.encoder.Encode(j)

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if from == StateCreated {
			p.LRem(ctx, k.Pending, 1, raw)
		} else {
			p.ZRem(ctx, k.Delayed, raw)
		}
		if j.DeadlineMs > 0 {
			p.ZRem(ctx, k.Expiry, raw)
		}
		p.LPush(ctx, k.Cancelled, newRaw)
		p.LTrim(ctx, k.Cancelled, 0, 999)
		if j.DedupKey != "" {
			p.SRem(ctx, k.Unique, j.DedupKey)
		}
		p.HSet(ctx, k.Meta, "last_state", string(StateCancelled))
		return nil
	})
	return err
}

// DeleteJob removes a job by ID from any non-active state.
// It returns ErrActiveState for a leased job and ErrJobNotFound otherwise.
func (c *Client) DeleteJob(ctx context.Context, name, id string, opts ...Option) error {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	j, raw, err := c.findJob(ctx, name, id, StateCreated, StateRetry, StateCompleted, StateFailed, StateCancelled)
	if err != nil {
		return err
	}
	if j == nil {
		if a, _, _ := c.findJob(ctx, name, id, StateActive); a != nil {
			return ErrActiveState
		}
		return ErrJobNotFound
	}

	k := ikeys.For(name)
	key, _ := stateKey(k, j.State)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		switch j.State {
		case StateCreated, StateFailed, StateCancelled:
			p.LRem(ctx, key, 1, raw)
		default:
			p.ZRem(ctx, key, raw)
		}
		if (j.State == StateCreated || j.State == StateRetry) && j.DeadlineMs > 0 {
			p.ZRem(ctx, k.Expiry, raw)
		}
		if j.State == StateFailed {
			p.ZRem(ctx, k.FailedExpiry, raw)
		}
		if !cfg.keepDedup && !j.State.Terminal() && j.DedupKey != "" {
			p.SRem(ctx, k.Unique, j.DedupKey)
		}
		return nil
	})
	return err
}

// RetryFailed moves a failed job back to created (or retry, with Delay),
// resetting its retry counter and error. The dedup key is re-reserved; if
// another job already holds it, ErrDuplicateTask is returned and nothing moves.
func (c *Client) RetryFailed(ctx context.Context, name, id string, opts ...Option) error {
	j, rawOld, err := c.findJob(ctx, name, id, StateFailed)
	if err != nil {
		return err
	}
	if j == nil {
		return ErrJobNotFound
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	k := ikeys.For(name)
	if j.DedupKey != "" {
		ok, err := c.rdb.SAdd(ctx, k.Unique, j.DedupKey).Result()
		if err != nil {
			return err
		}
		if ok == 0 {
			return ErrDuplicateTask
		}
	}

	j.Retry = 0
	j.LastError = ""
	j.LastErrorAt = 0
	j.StartedAt = 0
	j.CompletedAt = 0
	j.DeadlineMs = cfg.deadlineMs
	if cfg.has(ovRetention) {
		j.Retention = seconds(cfg.retention)
	}
	if cfg.has(ovErrRetention) {
		j.ErrRetention = seconds(cfg.errRetention)
	}
	if cfg.has(ovMaxRetry) {
		j.MaxRetry = cfg.maxRetry
	}
	rawNew, _ := c.encoder.Encode(j)

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, k.Failed, 1, rawOld)
		p.ZRem(ctx, k.FailedExpiry, rawOld)
		if cfg.delay > 0 {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(cfg.delay).Unix()), Member: rawNew})
		} else {
			p.LPush(ctx, k.Pending, rawNew)
		}
		if cfg.deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(cfg.deadlineMs), Member: rawNew})
		}
		return nil
	})
	if err != nil && j.DedupKey != "" {
		_ = c.rdb.SRem(ctx, k.Unique, j.DedupKey).Err()
	}
	return err
}

// QueueInfo summarizes one task queue.
type QueueInfo struct {
	Name           string    `json:"name"`
	Created        int64     `json:"created"`
	Active         int64     `json:"active"`
	Retry          int64     `json:"retry"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	Cancelled      int64     `json:"cancelled"`
	LastStartedAt  time.Time `json:"lastStartedAt,omitzero"`
	LastFinishedAt time.Time `json:"lastFinishedAt,omitzero"`
	LastState      State     `json:"lastState,omitempty"`
}

// Count is the number of jobs not yet in a terminal state.
func (q QueueInfo) Count() int64 { return q.Created + q.Active + q.Retry }

// ListQueues returns counters for every queue a worker was ever registered for.
func (c *Client) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	names, err := c.rdb.SMembers(ctx, ikeys.Queues).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		qi, err := c.queueInfo(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, qi)
	}
	return out, nil
}

func (c *Client) queueInfo(ctx context.Context, name string) (QueueInfo, error) {
	k := ikeys.For(name)
	var created, active, retry, completed, failed, cancelled *redis.IntCmd
	var meta *redis.MapStringStringCmd
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		created = p.LLen(ctx, k.Pending)
		active = p.ZCard(ctx, k.Active)
		retry = p.ZCard(ctx, k.Delayed)
		completed = p.ZCard(ctx, k.Completed)
		failed = p.LLen(ctx, k.Failed)
		cancelled = p.LLen(ctx, k.Cancelled)
		meta = p.HGetAll(ctx, k.Meta)
		return nil
	})
	if err != nil && err != redis.Nil {
		return QueueInfo{}, err
	}
	m := meta.Val()
	qi := QueueInfo{
		Name:           name,
		Created:        created.Val(),
		Active:         active.Val(),
		Retry:          retry.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
		Cancelled:      cancelled.Val(),
		LastStartedAt:  msTime(m["last_started_at"]),
		LastFinishedAt: msTime(m["last_finished_at"]),
		LastState:      State(m["last_state"]),
	}
	return qi, nil
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ExtractQueueName parses a queue name from a raw Redis key (e.g. "notejobs:{dbBackup}:pending").
// It returns an empty string if the format is invalid.
func ExtractQueueName(key string) string {
	start := strings.Index(key, "{")
	if start == -1 {
		return ""
	}
	end := strings.Index(key, "}")
	if end == -1 || end <= start+1 {
		return ""
	}
	return key[start+1 : end]
}
