package notejobs

// State represents the lifecycle state of a job.
// Use the exported constants instead of raw strings to avoid typos.
type State string

const (
	// StateCreated contains jobs waiting to be claimed (LIST).
	StateCreated State = "created"
	// StateActive contains jobs leased by a worker (ZSET scored by lease expiry).
	StateActive State = "active"
	// StateRetry contains jobs waiting out a backoff before the next attempt (ZSET).
	StateRetry State = "retry"
	// StateCompleted contains successfully finished jobs (ZSET scored by purge time).
	StateCompleted State = "completed"
	// StateFailed contains jobs that exhausted their retries (LIST).
	StateFailed State = "failed"
	// StateCancelled contains jobs cancelled before they started (LIST).
	StateCancelled State = "cancelled"
)

// AllStates lists every valid job state in a stable order.
var AllStates = []State{StateCreated, StateActive, StateRetry, StateCompleted, StateFailed, StateCancelled}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
