// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

const prefix = "notejobs:"

func Pending(q string) string   { return prefix + "{" + q + "}:pending" }
func Active(q string) string    { return prefix + "{" + q + "}:active" }
func Delayed(q string) string   { return prefix + "{" + q + "}:delayed" }
func Failed(q string) string    { return prefix + "{" + q + "}:failed" }
func Completed(q string) string { return prefix + "{" + q + "}:completed" }
func Cancelled(q string) string { return prefix + "{" + q + "}:cancelled" }

// Unique returns the per-queue Set key that holds dedup keys of in-flight jobs.
func Unique(q string) string { return prefix + "{" + q + "}:unique" }

// Expiry returns the per-queue ZSET key that indexes deadlines for jobs.
func Expiry(q string) string { return prefix + "{" + q + "}:expiry" }

// FailedExpiry is a ZSET index that tracks when failed-list members should be purged.
// Members are the raw job JSON; scores are absolute expiration timestamps in ms.
func FailedExpiry(q string) string { return prefix + "{" + q + "}:failed_expiry" }

// Meta is a per-queue HASH with last_started_at, last_finished_at and last_state.
func Meta(q string) string { return prefix + "{" + q + "}:meta" }

// Queues is the SET of every queue name a worker was ever registered for.
const Queues = prefix + "queues"

// Schedules is a HASH of task name -> schedule JSON.
const Schedules = prefix + "schedules"

// ScheduleDue is a ZSET of task name scored by the next fire time in unix seconds.
const ScheduleDue = prefix + "schedules:due"

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name         string
	Pending      string
	Active       string
	Delayed      string
	Failed       string
	Completed    string
	Cancelled    string
	Unique       string
	Expiry       string
	FailedExpiry string
	Meta         string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	p := prefix + "{" + q + "}:"
	return Queue{
		Name:         q,
		Pending:      p + "pending",
		Active:       p + "active",
		Delayed:      p + "delayed",
		Failed:       p + "failed",
		Completed:    p + "completed",
		Cancelled:    p + "cancelled",
		Unique:       p + "unique",
		Expiry:       p + "expiry",
		FailedExpiry: p + "failed_expiry",
		Meta:         p + "meta",
	}
}
