package notejobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rtm "github.com/UniQw/notejobs/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// ErrNoHandler is returned when a job arrives for a task with no registered handler.
var ErrNoHandler = errors.New("notejobs: no handler registered")

// ServerConfig defines the configuration for a notejobs server.
type ServerConfig struct {
	// VisibilityTTL is the duration for which a job is leased by a worker.
	// If the worker crashes, the job is reclaimed after this TTL.
	VisibilityTTL time.Duration
	// ScheduleInterval is how often due cron entries are checked. Default 1s.
	ScheduleInterval time.Duration
	// Logger is the logger used for server events.
	Logger Logger
}

// Server claims jobs from Redis and dispatches them to registered handlers.
// It also fires persisted cron schedules.
type Server struct {
	rt      *rtm.Runtime
	mux     *Mux
	client  *Client
	sched   *scheduler
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewServer creates a new server. client is used by the scheduler to enqueue.
func NewServer(rdb redis.UniversalClient, client *Client, cfg ServerConfig) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Second
	}
	rt := rtm.New(rdb, rtm.Config{VisibilityTTL: cfg.VisibilityTTL, Logger: rtLogger{Logger: l}})
	s := &Server{
		rt:     rt,
		mux:    NewMux(),
		client: client,
		sched:  &scheduler{client: client, log: l},
		log:    l,
	}
	rt.Every(cfg.ScheduleInterval, s.sched.tick)
	return s
}

// Use adds middleware applied to every handler.
func (s *Server) Use(mw Middleware) { s.mux.Use(mw) }

// RegisterWorker registers the handler for a task with batchSize concurrent
// workers. Registering the same name twice fails.
func (s *Server) RegisterWorker(name string, batchSize int, h HandlerFunc) error {
	if _, ok := s.mux.handler(name); ok {
		return fmt.Errorf("failed to register worker %s: %w", name, rtm.ErrQueueExists)
	}
	s.mux.Handle(name, h)
	if err := s.rt.AddQueue(name, batchSize, s.executor()); err != nil {
		s.mux.remove(name)
		return fmt.Errorf("failed to register worker %s: %w", name, err)
	}
	return nil
}

func (s *Server) executor() rtm.Executor {
	return func(ctx context.Context, d rtm.Delivery) error {
		h, ok := s.mux.handler(d.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoHandler, d.Name)
		}
		job := &Job{
			ID:        d.ID,
			Name:      d.Name,
			Queue:     d.Name,
			Payload:   d.Payload,
			Retry:     d.Retry,
			CreatedAt: d.CreatedAt,
			State:     StateActive,
		}
		res, err := h(ctx, job)
		if err != nil {
			return err
		}
		if res != nil {
			if e := SetResult(ctx, res); e != nil {
				s.log.Warnf("result not stored: name=%s id=%s err=%v", d.Name, d.ID, e)
			}
		}
		return nil
	}
}

// Start launches workers, maintenance and the scheduler.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting server: queues=%d", len(s.rt.Queues()))
	s.sched.sync(context.Background())
	s.rt.Start()
}

// Stop shuts down the server and waits for workers to return. Jobs
// interrupted mid-run stay leased and are reclaimed after VisibilityTTL.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping server")
	s.rt.Stop()
}
