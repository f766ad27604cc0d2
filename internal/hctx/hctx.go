package hctx

import (
	"context"
	"sync"
)

// State holds per-execution, handler-provided metadata that the runtime
// captures after the handler returns.
type State struct {
	JobID string

	mu       sync.Mutex
	progress int
	result   []byte
}

// New creates a fresh handler state container for the given job.
func New(jobID string) *State { return &State{JobID: jobID} }

// SetProgress stores p clamped to 0..100.
func (s *State) SetProgress(p int) {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// SetResult replaces the stored result; last call wins.
func (s *State) SetResult(b []byte) {
	s.mu.Lock()
	s.result = b
	s.mu.Unlock()
}

// Values returns the current progress and result.
func (s *State) Values() (int, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.result
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(ctxKey{}).(*State)
	return st, ok && st != nil
}
