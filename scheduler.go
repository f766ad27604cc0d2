package notejobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	ikeys "github.com/UniQw/notejobs/internal/keys"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// ScheduleInfo is the persisted cron entry of one task.
type ScheduleInfo struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	NextRun   time.Time `json:"nextRun"`
}

// ParseSchedule validates a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return s, nil
}

// Schedule creates or replaces the cron entry for the named task. At most one
// entry exists per name. Times are evaluated in UTC.
func (c *Client) Schedule(ctx context.Context, name, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	info := ScheduleInfo{Name: name, Cron: expr, Timezone: "UTC", CreatedAt: now, UpdatedAt: now}
	if prev, err := c.schedule(ctx, name); err == nil && prev != nil {
		info.CreatedAt = prev.CreatedAt
	}
	info.NextRun = sched.Next(now)

	raw, err := c.encoder.Encode(info)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ikeys.Schedules, name, raw)
		p.ZAdd(ctx, ikeys.ScheduleDue, redis.Z{Score: float64(info.NextRun.Unix()), Member: name})
		return nil
	})
	return err
}

// Unschedule removes the cron entry for the named task. Jobs already enqueued are untouched.
func (c *Client) Unschedule(ctx context.Context, name string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, ikeys.Schedules, name)
		p.ZRem(ctx, ikeys.ScheduleDue, name)
		return nil
	})
	return err
}

// ListSchedules returns every persisted cron entry.
func (c *Client) ListSchedules(ctx context.Context) ([]ScheduleInfo, error) {
	all, err := c.rdb.HGetAll(ctx, ikeys.Schedules).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScheduleInfo, 0, len(all))
	for _, raw := range all {
		var s ScheduleInfo
		if err := c.encoder.Decode([]byte(raw), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Client) schedule(ctx context.Context, name string) (*ScheduleInfo, error) {
	raw, err := c.rdb.HGet(ctx, ikeys.Schedules, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s ScheduleInfo
	if err := c.encoder.Decode([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// claimDueScript pops one schedule whose fire time has passed. Only the
// process that removes the member enqueues for that tick.
var claimDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
if redis.call('ZREM', KEYS[1], items[1]) == 1 then
  return items[1]
end
return false
`)

// scheduler turns due cron entries into singleton jobs.
type scheduler struct {
	client *Client
	log    Logger
}

// sync re-arms schedules missing from the due index, e.g. after a crash
// between claim and re-arm.
func (s *scheduler) sync(ctx context.Context) {
	list, err := s.client.ListSchedules(ctx)
	if err != nil {
		s.log.Warnf("scheduler: list failed err=%v", err)
		return
	}
	now := time.Now().UTC()
	for _, info := range list {
		sched, err := ParseSchedule(info.Cron)
		if err != nil {
			continue
		}
		next := sched.Next(now)
		err = s.client.rdb.ZAddNX(ctx, ikeys.ScheduleDue, redis.Z{Score: float64(next.Unix()), Member: info.Name}).Err()
		if err != nil {
			s.log.Warnf("scheduler: re-arm failed name=%s err=%v", info.Name, err)
		}
	}
}

// tick fires every due schedule once.
func (s *scheduler) tick(ctx context.Context) {
	for i := 0; i < 64; i++ {
		now := time.Now().UTC()
		res, err := claimDueScript.Run(ctx, s.client.rdb, []string{ikeys.ScheduleDue}, strconv.FormatInt(now.Unix(), 10)).Result()
		if errors.Is(err, redis.Nil) || res == nil {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warnf("scheduler: claim failed err=%v", err)
			}
			return
		}
		name, ok := res.(string)
		if !ok {
			return
		}
		s.fire(ctx, name, now)
	}
}

func (s *scheduler) fire(ctx context.Context, name string, now time.Time) {
	info, err := s.client.schedule(ctx, name)
	if err != nil || info == nil {
		// unscheduled between claim and fire
		return
	}

	id, err := s.client.Enqueue(ctx, name, nil, DedupKey(name))
	switch {
	case errors.Is(err, ErrDuplicateTask):
		s.log.Infof("scheduler: coalesced, previous run still in flight name=%s", name)
	case err != nil:
		s.log.Errorf("scheduler: enqueue failed name=%s err=%v", name, err)
	default:
		s.log.Debugf("scheduler: fired name=%s id=%s", name, id)
	}

	sched, err := ParseSchedule(info.Cron)
	if err != nil {
		s.log.Errorf("scheduler: stored cron invalid name=%s err=%v", name, err)
		return
	}
	info.NextRun = sched.Next(now)
	raw, _ := s.client.encoder.Encode(info)
	_, err = s.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ikeys.Schedules, name, raw)
		p.ZAdd(ctx, ikeys.ScheduleDue, redis.Z{Score: float64(info.NextRun.Unix()), Member: name})
		return nil
	})
	if err != nil {
		s.log.Warnf("scheduler: re-arm failed name=%s err=%v", name, err)
	}
}
