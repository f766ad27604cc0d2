package notejobs

import "time"

// overrides records which per-job settings were given explicitly, so
// RetryFailed only replaces what the caller asked for.
type overrides uint8

const (
	ovMaxRetry overrides = 1 << iota
	ovRetention
	ovErrRetention
)

type options struct {
	id           string
	dedupKey     string
	delay        time.Duration
	maxRetry     int
	retention    time.Duration
	errRetention time.Duration
	deadlineMs   int64
	keepDedup    bool
	set          overrides
}

func (o *options) has(f overrides) bool { return o.set&f != 0 }

// Option tunes Enqueue, DeleteJob and RetryFailed.
type Option func(*options)

// JobID replaces the generated UUID.
func JobID(id string) Option { return func(o *options) { o.id = id } }

// DedupKey coalesces enqueues: while a job holding key is queued, retrying or
// active, another Enqueue with the same key returns ErrDuplicateTask. Task
// runners pass their task name. Without it the job ID is the key.
func DedupKey(key string) Option { return func(o *options) { o.dedupKey = key } }

// Delay holds the job back for d before a worker may claim it.
func Delay(d time.Duration) Option { return func(o *options) { o.delay = d } }

// MaxRetry caps the attempts after the first failure.
func MaxRetry(n int) Option {
	return func(o *options) {
		o.maxRetry = n
		o.set |= ovMaxRetry
	}
}

// Retention keeps a completed job for d.
func Retention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
		o.set |= ovRetention
	}
}

// RetentionError keeps a failed job for d. Zero drops it on final failure;
// a negative value keeps it forever.
func RetentionError(d time.Duration) Option {
	return func(o *options) {
		o.errRetention = d
		o.set |= ovErrRetention
	}
}

// ExpireIn fails the job without running it if no worker starts it within d.
func ExpireIn(d time.Duration) Option {
	return func(o *options) { o.deadlineMs = time.Now().Add(d).UnixMilli() }
}

// WithKeepDedupLock makes DeleteJob leave the dedup key held when it removes
// a job that never finished.
func WithKeepDedupLock() Option { return func(o *options) { o.keepDedup = true } }
