package notejobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the cheap liveness view of one task, read from queue metadata.
type Status struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule,omitempty"`
	IsRunning  bool      `json:"isRunning"`
	ActiveJobs int64     `json:"activeJobs"`
	LastRun    time.Time `json:"lastRun,omitzero"`
	LastState  State     `json:"lastState,omitempty"`
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithBatchSize sets how many jobs of this task may run at once. Default 1.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// Runner binds a Task to a Backend and exposes its lifecycle controls.
// Concrete jobs embed a *Runner.
type Runner struct {
	backend   Backend
	task      Task
	log       Logger
	batchSize int

	mu         sync.Mutex
	registered bool
}

// NewRunner creates a runner for task on backend.
func NewRunner(backend Backend, task Task, opts ...RunnerOption) *Runner {
	r := &Runner{backend: backend, task: task, log: nopLogger{}, batchSize: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the task name.
func (r *Runner) Name() string { return r.task.Name() }

// Backend returns the queue backend the runner was built with.
func (r *Runner) Backend() Backend { return r.backend }

// Initialize registers the task worker without scheduling it.
// Subsequent calls are no-ops once registration succeeded.
func (r *Runner) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return nil
	}
	if err := r.backend.Ping(ctx); err != nil {
		return err
	}
	if err := r.backend.RegisterWorker(r.Name(), r.batchSize, r.handle); err != nil {
		r.log.Errorf("worker registration failed: task=%s err=%v", r.Name(), err)
		return err
	}
	r.registered = true
	r.log.Infof("worker registered: task=%s batch=%d", r.Name(), r.batchSize)
	return nil
}

// Start registers the worker, persists the cron schedule and, if immediate,
// enqueues one run right away. An empty cron uses the task default.
// It fails fast with ErrBackendUnavailable when the queue cannot be reached.
func (r *Runner) Start(ctx context.Context, cron string, immediate bool) error {
	if err := r.backend.Ping(ctx); err != nil {
		return err
	}
	if cron == "" {
		cron = r.task.DefaultSchedule()
	}
	if _, err := ParseSchedule(cron); err != nil {
		return err
	}
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	if err := r.backend.Schedule(ctx, r.Name(), cron); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", r.Name(), err)
	}
	r.log.Infof("task scheduled: task=%s cron=%q", r.Name(), cron)
	if immediate {
		if _, err := r.TriggerNow(ctx, nil); err != nil && !errors.Is(err, ErrDuplicateTask) {
			return err
		}
	}
	return nil
}

// Stop removes the recurring schedule. An in-flight run is not touched.
func (r *Runner) Stop(ctx context.Context) error {
	if err := r.backend.Unschedule(ctx, r.Name()); err != nil {
		return fmt.Errorf("failed to unschedule %s: %w", r.Name(), err)
	}
	r.log.Infof("task unscheduled: task=%s", r.Name())
	return nil
}

// SetSchedule replaces the schedule without triggering a run.
func (r *Runner) SetSchedule(ctx context.Context, cron string) error {
	return r.Start(ctx, cron, false)
}

// TriggerNow enqueues one run keyed by the task name. While a run is queued or
// active, further triggers return ErrDuplicateTask and enqueue nothing.
func (r *Runner) TriggerNow(ctx context.Context, payload any) (string, error) {
	id, err := r.backend.Enqueue(ctx, r.Name(), payload, DedupKey(r.Name()))
	if errors.Is(err, ErrDuplicateTask) {
		r.log.Infof("trigger coalesced: task=%s", r.Name())
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", r.Name(), err)
	}
	r.log.Debugf("triggered: task=%s id=%s", r.Name(), id)
	return id, nil
}

// Status reads schedule and queue metadata for the task.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	st := Status{Name: r.Name()}
	scheds, err := r.backend.ListSchedules(ctx)
	if err != nil {
		return st, err
	}
	var schedUpdated time.Time
	for _, s := range scheds {
		if s.Name == st.Name {
			st.Schedule = s.Cron
			schedUpdated = s.UpdatedAt
		}
	}
	queues, err := r.backend.ListQueues(ctx)
	if err != nil {
		return st, err
	}
	for _, q := range queues {
		if q.Name == st.Name {
			st.ActiveJobs = q.Count()
			st.IsRunning = st.ActiveJobs > 0
			st.LastRun = q.LastStartedAt
			st.LastState = q.LastState
		}
	}
	if st.LastRun.IsZero() {
		st.LastRun = schedUpdated
	}
	return st, nil
}

// handle is the worker registered with the backend. Errors are returned
// unchanged so the backend applies its retry policy.
func (r *Runner) handle(ctx context.Context, job *Job) (any, error) {
	r.log.Infof("job started: task=%s id=%s retry=%d", job.Name, job.ID, job.Retry)
	start := time.Now()
	res, err := r.task.RunTask(ctx, job)
	if err != nil {
		r.log.Errorf("job failed: task=%s id=%s took=%s err=%v", job.Name, job.ID, time.Since(start), err)
		return nil, err
	}
	r.log.Infof("job completed: task=%s id=%s took=%s", job.Name, job.ID, time.Since(start))
	return res, nil
}
