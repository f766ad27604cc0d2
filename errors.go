package notejobs

import "errors"

// ErrDuplicateTask is returned when Enqueue finds the dedup key already held,
// meaning an equivalent job is still queued or running.
var ErrDuplicateTask = errors.New("notejobs: duplicate task")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("notejobs: unknown state")

// ErrActiveState is returned when an operation is not allowed on an active job.
var ErrActiveState = errors.New("notejobs: operation not allowed on active job")

// ErrJobNotFound is returned when a job with the specified ID is not found.
var ErrJobNotFound = errors.New("notejobs: job not found")

// ErrBackendUnavailable is returned when the queue backend cannot be reached.
// It is a configuration error and is not retried.
var ErrBackendUnavailable = errors.New("notejobs: queue backend unavailable")

// ErrInvalidSchedule is returned for cron expressions that do not parse.
var ErrInvalidSchedule = errors.New("notejobs: invalid schedule")
