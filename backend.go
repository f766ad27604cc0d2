package notejobs

import "context"

// Backend is the durable queue capability tasks run on.
type Backend interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, name string, payload any, opts ...Option) (string, error)
	Schedule(ctx context.Context, name, cron string) error
	Unschedule(ctx context.Context, name string) error
	RegisterWorker(name string, batchSize int, h HandlerFunc) error
	ListSchedules(ctx context.Context) ([]ScheduleInfo, error)
	ListQueues(ctx context.Context) ([]QueueInfo, error)
}

// RedisBackend joins a Client and a Server into a Backend.
type RedisBackend struct {
	*Client
	*Server
}

// NewRedisBackend returns a backend using client for producing and srv for consuming.
func NewRedisBackend(client *Client, srv *Server) *RedisBackend {
	return &RedisBackend{Client: client, Server: srv}
}

var _ Backend = (*RedisBackend)(nil)
