package notejobs

import "github.com/bytedance/sonic"

// Job is one enqueued or claimed execution of a task.
// It is serialized to JSON and stored in Redis.
type Job struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Name is the task name; it doubles as the queue name.
	Name string `json:"name"`
	// Queue is the name of the queue this job belongs to.
	Queue string `json:"queue"`
	// Payload is the raw job data.
	Payload []byte `json:"payload,omitempty"`
	// DedupKey collapses duplicate enqueues while the job is in flight.
	DedupKey string `json:"dedup_key,omitempty"`
	// Retry is the current number of retry attempts made.
	Retry int `json:"retry"`
	// MaxRetry is the maximum number of retries allowed before the job fails.
	MaxRetry int `json:"max_retry"`
	// Retention is how long (seconds) a completed job is kept.
	Retention int64 `json:"retention"`
	// ErrRetention is how long (seconds) a failed job is kept. Negative keeps it forever.
	ErrRetention int64 `json:"err_retention,omitempty"`
	// CreatedAt is the timestamp (ms) when the job was enqueued.
	CreatedAt int64 `json:"created_at,omitempty"`
	// DeadlineMs is the absolute timestamp (ms) after which the job should not start.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
	// StartedAt is the timestamp (ms) when a worker claimed the job.
	StartedAt int64 `json:"started_at,omitempty"`
	// CompletedAt is the timestamp (ms) when the job reached a terminal state.
	CompletedAt int64 `json:"completed_at,omitempty"`
	// LastError is the error message from the last failed attempt.
	LastError string `json:"last_error,omitempty"`
	// LastErrorAt is the timestamp (ms) of the last failed attempt.
	LastErrorAt int64 `json:"last_error_at,omitempty"`
	// Progress is the last reported progress (0..100).
	Progress int `json:"progress,omitempty"`
	// Result is the handler's return value stored as JSON.
	Result []byte `json:"result,omitempty"`

	// State is filled in by ListJobs from the key the job was found under.
	State State `json:"-"`
}

// Bind decodes the job payload into v. An empty payload leaves v untouched.
func (j *Job) Bind(v any) error {
	if len(j.Payload) == 0 || string(j.Payload) == "null" {
		return nil
	}
	return sonic.Unmarshal(j.Payload, v)
}
