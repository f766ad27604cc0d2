package notejobs

import (
	"context"
	"sync"
	"time"
)

// HandlerFunc processes one job. The returned value is stored as the job result.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

// Middleware wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Mux routes jobs to their handlers by task name.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for a task name, replacing any previous one.
func (m *Mux) Handle(name string, fn HandlerFunc) {
	m.mu.Lock()
	m.handlers[name] = fn
	m.mu.Unlock()
}

func (m *Mux) remove(name string) {
	m.mu.Lock()
	delete(m.handlers, name)
	m.mu.Unlock()
}

// Use adds middleware. Middlewares run in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// handler returns the wrapped handler for name.
func (m *Mux) handler(name string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	if !ok {
		return nil, false
	}
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h, true
}

// LogJobs is a middleware that logs each job's duration and outcome.
func LogJobs(log Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, job *Job) (any, error) {
			start := time.Now()
			res, err := next(ctx, job)
			if err != nil {
				log.Warnf("job finished with error: name=%s id=%s retry=%d took=%s err=%v", job.Name, job.ID, job.Retry, time.Since(start), err)
			} else {
				log.Debugf("job finished: name=%s id=%s took=%s", job.Name, job.ID, time.Since(start))
			}
			return res, err
		}
	}
}
