// Package runs tracks in-flight task runs so they can be stopped cooperatively
// and awaited. It replaces a process-wide stop flag with a per-run handle.
package runs

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRunActive is returned by Begin when a run with the same name is open.
	ErrRunActive = errors.New("runs: run already active")
	// ErrNoRun is returned by Cancel when nothing with that name is running.
	ErrNoRun = errors.New("runs: no active run")
)

// Registry hands out run handles and lets other callers stop or await them.
type Registry interface {
	// Begin opens a run. The returned context is cancelled by Cancel.
	Begin(parent context.Context, name string) (context.Context, *Handle, error)
	// Cancel requests the named run to stop.
	Cancel(ctx context.Context, name string) error
	// Wait blocks until the named run has exited or ctx is done.
	Wait(ctx context.Context, name string) error
}

// Handle belongs to one run. Done must be called when the run loop exits.
type Handle struct {
	name    string
	cancel  context.CancelFunc
	exited  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
	release func()
}

// Name returns the run name.
func (h *Handle) Name() string { return h.name }

// Stopped reports whether the run was cancelled through the registry, as
// opposed to its parent context ending.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Handle) stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
}

// Done marks the run as exited and releases its name. Safe to call twice.
func (h *Handle) Done() {
	h.once.Do(func() {
		h.cancel()
		if h.release != nil {
			h.release()
		}
		close(h.exited)
	})
}

// Exited is closed once Done has been called.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Local is an in-process Registry.
type Local struct {
	mu   sync.Mutex
	runs map[string]*Handle
}

// NewLocal creates an empty in-process registry.
func NewLocal() *Local {
	return &Local{runs: make(map[string]*Handle)}
}

func (l *Local) Begin(parent context.Context, name string) (context.Context, *Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[name]; ok {
		return nil, nil, ErrRunActive
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{name: name, cancel: cancel, exited: make(chan struct{})}
	h.release = func() {
		l.mu.Lock()
		if l.runs[name] == h {
			delete(l.runs, name)
		}
		l.mu.Unlock()
	}
	l.runs[name] = h
	return ctx, h, nil
}

func (l *Local) Cancel(_ context.Context, name string) error {
	h := l.get(name)
	if h == nil {
		return ErrNoRun
	}
	h.stop()
	return nil
}

func (l *Local) Wait(ctx context.Context, name string) error {
	h := l.get(name)
	if h == nil {
		return nil
	}
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a run with name is open in this process.
func (l *Local) Active(name string) bool { return l.get(name) != nil }

func (l *Local) get(name string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[name]
}
