package notejobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultSchedule is reported for tasks without a persisted cron entry.
const DefaultSchedule = "0 0 * * *"

// ProgressFunc returns the detailed progress of a task, or nil when there is none.
type ProgressFunc func(ctx context.Context) (any, error)

// TaskInfo is the uniform status record reported for every known task.
type TaskInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	IsRunning bool      `json:"isRunning"`
	IsSuccess bool      `json:"isSuccess"`
	LastRun   time.Time `json:"lastRun,omitzero"`
	Output    any       `json:"output,omitempty"`
}

// Registry aggregates schedule, queue and progress data across tasks.
// It never mutates task or queue state.
type Registry struct {
	backend Backend
	log     Logger

	mu    sync.RWMutex
	tasks map[string]ProgressFunc
}

// NewRegistry creates an empty registry over backend.
func NewRegistry(backend Backend, log Logger) *Registry {
	if log == nil {
		log = nopLogger{}
	}
	return &Registry{backend: backend, log: log, tasks: make(map[string]ProgressFunc)}
}

// Register declares a task name. progress may be nil.
func (r *Registry) Register(name string, progress ProgressFunc) {
	r.mu.Lock()
	r.tasks[name] = progress
	r.mu.Unlock()
}

// Names returns the registered task names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AllTasksInfo reports every registered task. It returns an empty list when
// the backend is unavailable or its metadata cannot be read.
func (r *Registry) AllTasksInfo(ctx context.Context) []TaskInfo {
	scheds, queues, ok := r.load(ctx)
	if !ok {
		return []TaskInfo{}
	}
	names := r.Names()
	out := make([]TaskInfo, 0, len(names))
	for _, n := range names {
		out = append(out, r.merge(ctx, n, scheds, queues))
	}
	return out
}

// TaskInfo reports one task, or nil if it is unknown or the backend is unavailable.
func (r *Registry) TaskInfo(ctx context.Context, name string) *TaskInfo {
	r.mu.RLock()
	_, known := r.tasks[name]
	r.mu.RUnlock()
	if !known {
		return nil
	}
	scheds, queues, ok := r.load(ctx)
	if !ok {
		return nil
	}
	ti := r.merge(ctx, name, scheds, queues)
	return &ti
}

func (r *Registry) load(ctx context.Context) (map[string]ScheduleInfo, map[string]QueueInfo, bool) {
	if err := r.backend.Ping(ctx); err != nil {
		r.log.Warnf("registry: backend unavailable err=%v", err)
		return nil, nil, false
	}
	sl, err := r.backend.ListSchedules(ctx)
	if err != nil {
		r.log.Errorf("registry: list schedules failed err=%v", err)
		return nil, nil, false
	}
	ql, err := r.backend.ListQueues(ctx)
	if err != nil {
		r.log.Errorf("registry: list queues failed err=%v", err)
		return nil, nil, false
	}
	scheds := make(map[string]ScheduleInfo, len(sl))
	for _, s := range sl {
		scheds[s.Name] = s
	}
	queues := make(map[string]QueueInfo, len(ql))
	for _, q := range ql {
		queues[q.Name] = q
	}
	return scheds, queues, true
}

func (r *Registry) merge(ctx context.Context, name string, scheds map[string]ScheduleInfo, queues map[string]QueueInfo) TaskInfo {
	ti := TaskInfo{Name: name, Schedule: DefaultSchedule, IsSuccess: true}
	s, scheduled := scheds[name]
	if scheduled {
		ti.Schedule = s.Cron
		ti.LastRun = s.UpdatedAt
	}
	if q, ok := queues[name]; ok {
		ti.IsRunning = scheduled && q.Count() > 0
		ti.IsSuccess = q.LastState != StateFailed
		if !q.LastStartedAt.IsZero() {
			ti.LastRun = q.LastStartedAt
		}
	}

	r.mu.RLock()
	pf := r.tasks[name]
	r.mu.RUnlock()
	if pf != nil {
		out, err := pf(ctx)
		if err != nil {
			r.log.Warnf("registry: progress read failed task=%s err=%v", name, err)
		} else {
			ti.Output = out
		}
	}
	return ti
}
