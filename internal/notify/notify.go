// Package notify emits user-visible events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Types used by the jobs.
const (
	TypeSystem = "SYSTEM"

	ScopeSystem = "system"
)

// Channel is the pub/sub channel notifications are published on.
const Channel = "notejobs:notifications"

// historyKey keeps the most recent notifications for clients that were offline.
const historyKey = "notejobs:notifications:recent"

type Notification struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Redis publishes notifications and keeps the last few hundred in a list.
type Redis struct {
	rdb     redis.UniversalClient
	history int64
}

func NewRedis(rdb redis.UniversalClient) *Redis { return &Redis{rdb: rdb, history: 200} }

func (r *Redis) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, Channel, b)
		p.LPush(ctx, historyKey, b)
		p.LTrim(ctx, historyKey, 0, r.history-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Recent returns up to n most recent notifications, newest first.
func (r *Redis) Recent(ctx context.Context, n int64) ([]Notification, error) {
	raws, err := r.rdb.LRange(ctx, historyKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(raws))
	for _, s := range raws {
		var nt Notification
		if json.Unmarshal([]byte(s), &nt) == nil {
			out = append(out, nt)
		}
	}
	return out, nil
}

// Logger is the printf-style logger used by Log.
type Logger interface {
	Infof(format string, args ...any)
}

// Log writes notifications to a logger. Useful when no broker is configured.
type Log struct{ L Logger }

func (l Log) Notify(_ context.Context, n Notification) error {
	l.L.Infof("notification: type=%s title=%s content=%s scope=%s", n.Type, n.Title, n.Content, n.Scope)
	return nil
}
