package runs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	liveKeyPrefix = "notejobs:runs:"
	cancelChannel = "notejobs:runs:cancel"
)

// Logger is the printf-style logger used by the Redis registry.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any) {}
func (nopLogger) Warnf(string, ...any) {}

// Redis extends Local across processes. A liveness key with a TTL marks each
// open run; cancel requests are broadcast on a pub/sub channel.
type Redis struct {
	*Local
	rdb       redis.UniversalClient
	instance  string
	ttl       time.Duration
	heartbeat time.Duration
	poll      time.Duration
	log       Logger
}

// RedisOption configures a Redis registry.
type RedisOption func(*Redis)

// WithTTL sets the liveness key TTL. It is refreshed at a third of the TTL.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
			r.heartbeat = d / 3
		}
	}
}

// WithPollInterval sets how often Wait checks a run owned by another process.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRedis creates a cross-process registry. Call Listen to receive cancels
// issued by other processes.
func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		Local:     NewLocal(),
		rdb:       rdb,
		instance:  uuid.NewString(),
		ttl:       30 * time.Second,
		heartbeat: 10 * time.Second,
		poll:      200 * time.Millisecond,
		log:       nopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func liveKey(name string) string { return liveKeyPrefix + name }

// Begin opens the run locally and claims its liveness key. It fails with
// ErrRunActive when another process holds the key.
func (r *Redis) Begin(parent context.Context, name string) (context.Context, *Handle, error) {
	ok, err := r.rdb.SetNX(parent, liveKey(name), r.instance, r.ttl).Result()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrRunActive
	}
	ctx, h, err := r.Local.Begin(parent, name)
	if err != nil {
		_ = r.rdb.Del(context.Background(), liveKey(name)).Err()
		return nil, nil, err
	}

	localRelease := h.release
	beat := make(chan struct{})
	h.release = func() {
		close(beat)
		localRelease()
		if err := r.rdb.Del(context.Background(), liveKey(name)).Err(); err != nil {
			r.log.Warnf("runs: liveness release failed name=%s err=%v", name, err)
		}
	}
	go r.keepAlive(name, beat)
	return ctx, h, nil
}

func (r *Redis) keepAlive(name string, stop <-chan struct{}) {
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := r.rdb.Expire(context.Background(), liveKey(name), r.ttl).Err(); err != nil {
				r.log.Warnf("runs: heartbeat failed name=%s err=%v", name, err)
			}
		}
	}
}

// Cancel stops a local run and broadcasts the request to other processes.
// It returns ErrNoRun only when no process holds the run.
func (r *Redis) Cancel(ctx context.Context, name string) error {
	localErr := r.Local.Cancel(ctx, name)
	if err := r.rdb.Publish(ctx, cancelChannel, name).Err(); err != nil {
		if localErr == nil {
			return nil
		}
		return err
	}
	if localErr == nil {
		return nil
	}
	n, err := r.rdb.Exists(ctx, liveKey(name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRun
	}
	return nil
}

// Wait blocks until the run exits here, or until its liveness key disappears
// when it runs elsewhere.
func (r *Redis) Wait(ctx context.Context, name string) error {
	if r.Local.Active(name) {
		return r.Local.Wait(ctx, name)
	}
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		n, err := r.rdb.Exists(ctx, liveKey(name)).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err == nil && n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Listen applies cancel requests from other processes until ctx is done.
func (r *Redis) Listen(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, cancelChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Local.Cancel(ctx, msg.Payload); err == nil {
				r.log.Infof("runs: cancelled by remote request name=%s", msg.Payload)
			}
		}
	}
}

var _ Registry = (*Redis)(nil)
var _ Registry = (*Local)(nil)
