package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/notejobs/internal/hctx"
	ikeys "github.com/UniQw/notejobs/internal/keys"
	"github.com/UniQw/notejobs/internal/worker"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrQueueExists is returned when a second worker is registered for a queue.
	ErrQueueExists = errors.New("runtime: worker already registered for queue")
	// ErrInvalidConcurrency is returned when a queue is registered with fewer than one worker.
	ErrInvalidConcurrency = errors.New("runtime: concurrency must be positive")
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type Config struct {
	// VisibilityTTL is the lease a worker holds on a claimed job.
	VisibilityTTL time.Duration
	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
	Logger       Logger
}

// Delivery is what a handler receives for one claimed job.
type Delivery struct {
	ID        string
	Name      string
	Payload   []byte
	Retry     int
	CreatedAt int64
}

// Executor runs one delivery. Progress and result are reported through hctx.
type Executor func(ctx context.Context, d Delivery) error

type queue struct {
	keys        ikeys.Queue
	concurrency int
	exec        Executor
	launched    bool
}

type loop struct {
	every time.Duration
	fn    func(ctx context.Context)
}

type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	log     Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	queues  map[string]*queue
	loops   []loop
}

// promoteOneScript atomically moves one due item from delayed ZSET to pending LIST.
var promoteOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
if redis.call('ZREM', KEYS[1], m) == 1 then
  redis.call('LPUSH', KEYS[2], m)
  return m
end
return false
`)

// expireOneScript moves one job whose deadline passed before it started into
// the failed list. It returns the member so the caller can release its dedup key.
var expireOneScript = redis.NewScript(`
local xkey = KEYS[1]
local items = redis.call('ZRANGEBYSCORE', xkey, '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
redis.call('ZREM', xkey, m)
if redis.call('ZREM', KEYS[2], m) == 1 or redis.call('LREM', KEYS[3], 1, m) > 0 then
  redis.call('LPUSH', KEYS[4], m)
  return m
end
return false
`)

// New creates a runtime. Queues are added with AddQueue before or after Start.
func New(rdb redis.UniversalClient, cfg Config) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		rdb:    rdb,
		cfg:    cfg,
		log:    lg,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*queue),
	}
}

// AddQueue registers the executor for a queue with the given number of
// workers. If the runtime is already started the workers launch immediately.
func (rt *Runtime) AddQueue(name string, concurrency int, exec Executor) error {
	if concurrency < 1 {
		return ErrInvalidConcurrency
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.queues[name]; ok {
		return fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	if err := rt.rdb.SAdd(rt.ctx, ikeys.Queues, name).Err(); err != nil {
		return err
	}
	q := &queue{keys: ikeys.For(name), concurrency: concurrency, exec: exec}
	rt.queues[name] = q
	if rt.started {
		rt.launch(q)
	}
	return nil
}

// Every registers a background loop run on a ticker for the runtime's lifetime.
// It must be called before Start.
func (rt *Runtime) Every(d time.Duration, fn func(ctx context.Context)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.loops = append(rt.loops, loop{every: d, fn: fn})
}

// Start launches workers and maintenance goroutines for every registered queue.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	rt.log.Infof("runtime starting: queues=%d loops=%d", len(rt.queues), len(rt.loops))

	for _, l := range rt.loops {
		rt.wg.Add(1)
		go func(l loop) {
			defer rt.wg.Done()
			ticker := time.NewTicker(l.every)
			defer ticker.Stop()
			for {
				select {
				case <-rt.ctx.Done():
					return
				case <-ticker.C:
					l.fn(rt.ctx)
				}
			}
		}(l)
	}
	for _, q := range rt.queues {
		rt.launch(q)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
// Jobs interrupted by shutdown stay leased and are reclaimed after the lease.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// Queues returns the names of queues registered in this process.
func (rt *Runtime) Queues() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.queues))
	for name := range rt.queues {
		out = append(out, name)
	}
	return out
}

// launch must be called with rt.mu held.
func (rt *Runtime) launch(q *queue) {
	if q.launched {
		return
	}
	q.launched = true
	for i := 0; i < q.concurrency; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.workerLoop(q)
		}()
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.maintain(q.keys)
	}()
}

func (rt *Runtime) workerLoop(q *queue) {
	for {
		if rt.ctx.Err() != nil {
			return
		}
		j, raw := worker.DequeueJob(rt.ctx, rt.rdb, q.keys, rt.cfg.VisibilityTTL)
		if j == nil {
			select {
			case <-rt.ctx.Done():
				return
			case <-time.After(rt.cfg.PollInterval):
			}
			continue
		}
		rt.process(q, j, raw)
		worker.Recycle(j)
	}
}

func (rt *Runtime) process(q *queue, j *worker.Record, raw []byte) {
	k := q.keys
	if j.DeadlineMs > 0 && time.Now().UnixMilli() > j.DeadlineMs {
		if e := worker.Fail(rt.ctx, rt.rdb, k, j, raw, "expired"); e != nil {
			rt.log.Errorf("expire->failed: id=%s name=%s err=%v", j.ID, j.Name, e)
		} else {
			rt.log.Warnf("expired: id=%s name=%s", j.ID, j.Name)
		}
		return
	}

	j.StartedAt = time.Now().UnixMilli()
	if e := worker.MarkStarted(rt.ctx, rt.rdb, k, j); e != nil {
		rt.log.Warnf("mark started failed: id=%s name=%s err=%v", j.ID, j.Name, e)
	}
	st := hctx.New(j.ID)
	beat := make(chan struct{})
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		rt.keepLease(k, j.ID, raw, beat)
	}()
	err := rt.run(hctx.WithState(rt.ctx, st), q.exec, Delivery{
		ID:        j.ID,
		Name:      j.Name,
		Payload:   j.Payload,
		Retry:     j.Retry,
		CreatedAt: j.CreatedAt,
	})
	close(beat)
	<-leaseDone
	j.Progress, j.Result = st.Values()

	if err != nil && rt.ctx.Err() != nil {
		rt.log.Warnf("interrupted by shutdown, left for reclaim: id=%s name=%s err=%v", j.ID, j.Name, err)
		return
	}
	if err != nil {
		retried, e := worker.RetryOrFail(rt.ctx, rt.rdb, k, j, raw, err.Error())
		switch {
		case e != nil:
			rt.log.Errorf("retry/fail transition failed: id=%s name=%s err=%v", j.ID, j.Name, e)
		case retried:
			rt.log.Warnf("handler error, retry scheduled: id=%s name=%s attempt=%d err=%v", j.ID, j.Name, j.Retry, err)
		default:
			rt.log.Errorf("handler error, job failed: id=%s name=%s err=%v", j.ID, j.Name, err)
		}
		return
	}

	if e := worker.Complete(rt.ctx, rt.rdb, k, j, raw); e != nil {
		rt.log.Errorf("complete failed: id=%s name=%s err=%v", j.ID, j.Name, e)
		return
	}
	rt.log.Debugf("processed: id=%s name=%s", j.ID, j.Name)
}

// keepLease extends the lease of a running job every third of VisibilityTTL
// so the reclaimer does not hand it to another worker mid-run.
func (rt *Runtime) keepLease(k ikeys.Queue, id string, raw []byte, stop <-chan struct{}) {
	t := time.NewTicker(rt.cfg.VisibilityTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-rt.ctx.Done():
			return
		case <-t.C:
		}
		held, err := worker.ExtendLease(rt.ctx, rt.rdb, k, raw, rt.cfg.VisibilityTTL)
		switch {
		case err != nil:
			if rt.ctx.Err() == nil {
				rt.log.Warnf("lease heartbeat failed: queue=%s id=%s err=%v", k.Name, id, err)
			}
		case !held:
			rt.log.Warnf("lease lost: queue=%s id=%s", k.Name, id)
			return
		}
	}
}

// run executes the handler, converting a panic into an error.
func (rt *Runtime) run(ctx context.Context, exec Executor, d Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return exec(ctx, d)
}

// maintain runs the per-queue housekeeping: promoting due retries, failing
// expired jobs, reclaiming expired leases and purging retained records.
func (rt *Runtime) maintain(k ikeys.Queue) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
		}
		nowSec := strconv.FormatInt(time.Now().Unix(), 10)
		rt.drain(k.Name, "promote", promoteOneScript, []string{k.Delayed, k.Pending}, nowSec, nil)
		rt.drain(k.Name, "expire", expireOneScript, []string{k.Expiry, k.Delayed, k.Pending, k.Failed},
			strconv.FormatInt(time.Now().UnixMilli(), 10), func(m string) { rt.releaseExpired(k, m) })
		if tick%2 == 0 {
			rt.drain(k.Name, "reclaim", promoteOneScript, []string{k.Active, k.Pending}, nowSec, nil)
		}
		if tick%10 == 0 {
			rt.purge(k)
		}
	}
}

func (rt *Runtime) drain(queue, what string, s *redis.Script, keys []string, now string, each func(string)) {
	// bounded per tick to avoid long loops
	for i := 0; i < 256; i++ {
		res, err := s.Run(rt.ctx, rt.rdb, keys, now).Result()
		if err == redis.Nil || res == nil {
			return
		}
		if err != nil {
			if rt.ctx.Err() == nil {
				rt.log.Warnf("%s: script failed queue=%s err=%v", what, queue, err)
			}
			return
		}
		m, ok := res.(string)
		if !ok {
			return
		}
		if each != nil {
			each(m)
		}
	}
}

func (rt *Runtime) releaseExpired(k ikeys.Queue, member string) {
	var j struct {
		ID       string `json:"id"`
		DedupKey string `json:"dedup_key"`
	}
	if err := sonic.UnmarshalString(member, &j); err != nil || j.DedupKey == "" {
		return
	}
	if err := rt.rdb.SRem(rt.ctx, k.Unique, j.DedupKey).Err(); err != nil {
		rt.log.Warnf("expire: dedup release failed queue=%s id=%s err=%v", k.Name, j.ID, err)
	}
	rt.log.Warnf("expired before start: queue=%s id=%s", k.Name, j.ID)
}

func (rt *Runtime) purge(k ikeys.Queue) {
	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := rt.rdb.ZRemRangeByScore(rt.ctx, k.Completed, "0", nowMs).Err(); err != nil && rt.ctx.Err() == nil {
		rt.log.Warnf("cleaner: completed sweep failed queue=%s err=%v", k.Name, err)
	}
	members, err := rt.rdb.ZRangeByScore(rt.ctx, k.FailedExpiry, &redis.ZRangeBy{Min: "0", Max: nowMs, Count: 256}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	_, err = rt.rdb.TxPipelined(rt.ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.LRem(rt.ctx, k.Failed, 1, m)
			p.ZRem(rt.ctx, k.FailedExpiry, m)
		}
		return nil
	})
	if err != nil && rt.ctx.Err() == nil {
		rt.log.Warnf("cleaner: failed purge failed queue=%s err=%v", k.Name, err)
	}
}
