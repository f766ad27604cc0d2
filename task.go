package notejobs

import "context"

// Task is one named unit of recurring or on-demand work.
// RunTask must be safe to invoke again for the same work; delivery is at-least-once.
type Task interface {
	Name() string
	DefaultSchedule() string
	RunTask(ctx context.Context, job *Job) (any, error)
}
