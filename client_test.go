package notejobs

import (
	"context"
	"testing"
	"time"

	ikeys "github.com/UniQw/notejobs/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func TestClient_Enqueue_Basics(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("dbBackup")

	// pending
	id, err := c.Enqueue(ctx, "dbBackup", map[string]int{"a": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	nPending, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), nPending)

	// delayed
	_, err = c.Enqueue(ctx, "dbBackup", nil, Delay(time.Hour))
	require.NoError(t, err)
	nDelayed, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(1), nDelayed)

	// expiry index on deadline
	_, err = c.Enqueue(ctx, "dbBackup", nil, ExpireIn(2*time.Minute))
	require.NoError(t, err)
	nExpiry, _ := rdb.ZCard(ctx, k.Expiry).Result()
	require.Equal(t, int64(1), nExpiry)
}

func TestClient_Enqueue_DedupKeyCoalesces(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	first, err := c.Enqueue(ctx, "rebuildEmbedding", nil, DedupKey("rebuildEmbedding"))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := c.Enqueue(ctx, "rebuildEmbedding", nil, DedupKey("rebuildEmbedding"))
	require.ErrorIs(t, err, ErrDuplicateTask)
	require.Empty(t, second)

	n, _ := rdb.LLen(ctx, ikeys.For("rebuildEmbedding").Pending).Result()
	require.Equal(t, int64(1), n)
}

func TestClient_Enqueue_DuplicateJobID(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "q", nil, JobID("dup-one"))
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, "q", nil, JobID("dup-one"))
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestClient_Enqueue_AppliesDefaultsAndOverrides(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClientWithConfig(rdb, ClientConfig{MaxRetry: 4, Retention: time.Minute, ErrRetention: -1})
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "q", nil, JobID("a"))
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, "q", nil, JobID("b"), MaxRetry(0), Retention(0))
	require.NoError(t, err)

	jobs, err := c.ListJobs(ctx, "q", StateCreated, nil)
	require.NoError(t, err)
	byID := map[string]*Job{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	require.Equal(t, 4, byID["a"].MaxRetry)
	require.Equal(t, int64(60), byID["a"].Retention)
	require.Equal(t, int64(-1), byID["a"].ErrRetention)
	require.Equal(t, 0, byID["b"].MaxRetry)
	require.Equal(t, int64(0), byID["b"].Retention)
	require.Equal(t, "a", byID["a"].DedupKey)
}

func TestClient_ListJobs_StatesAndFilter(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()

	jobs, err := c.ListJobs(ctx, "q", StateCreated, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 0)

	_, _ = c.Enqueue(ctx, "q", map[string]any{"x": 1}, JobID("p1"))
	_, _ = c.Enqueue(ctx, "q", map[string]any{"y": 1}, JobID("d1"), Delay(10*time.Minute))

	jobs, err = c.ListJobs(ctx, "q", StateCreated, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, StateCreated, jobs[0].State)

	jobs, err = c.ListJobs(ctx, "q", StateRetry, func(j *Job) bool { return j.ID == "d1" })
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = c.ListJobs(ctx, "q", State("bogus"), nil)
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestClient_Cancel_ReleasesDedupKey(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("recommand")

	id, err := c.Enqueue(ctx, "recommand", nil, DedupKey("recommand"))
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, "recommand", id))

	n, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(0), n)
	cancelled, err := c.ListJobs(ctx, "recommand", StateCancelled, nil)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, id, cancelled[0].ID)

	// the singleton slot is free again
	_, err = c.Enqueue(ctx, "recommand", nil, DedupKey("recommand"))
	require.NoError(t, err)

	state, _ := rdb.HGet(ctx, k.Meta, "last_state").Result()
	require.Equal(t, "cancelled", state)
}

func TestClient_Cancel_ActiveAndMissing(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("q")

	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: 1, Member: `{"id":"act","name":"q"}`}).Err())
	require.ErrorIs(t, c.Cancel(ctx, "q", "act"), ErrActiveState)
	require.ErrorIs(t, c.Cancel(ctx, "q", "nope"), ErrJobNotFound)
}

func TestClient_DeleteJob(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("q")

	_, err := c.Enqueue(ctx, "q", nil, JobID("p1"), DedupKey("single"), ExpireIn(time.Hour))
	require.NoError(t, err)
	require.NoError(t, c.DeleteJob(ctx, "q", "p1"))

	n, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(0), n)
	x, _ := rdb.ZCard(ctx, k.Expiry).Result()
	require.Equal(t, int64(0), x)
	held, _ := rdb.SIsMember(ctx, k.Unique, "single").Result()
	require.False(t, held)

	// keep the lock on request
	_, err = c.Enqueue(ctx, "q", nil, JobID("p2"), DedupKey("single"))
	require.NoError(t, err)
	require.NoError(t, c.DeleteJob(ctx, "q", "p2", WithKeepDedupLock()))
	held, _ = rdb.SIsMember(ctx, k.Unique, "single").Result()
	require.True(t, held)

	require.ErrorIs(t, c.DeleteJob(ctx, "q", "missing"), ErrJobNotFound)
}

func TestClient_RetryFailed(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("q")

	failed := `{"id":"f1","name":"q","queue":"q","dedup_key":"q","retry":3,"max_retry":3,"last_error":"boom"}`
	require.NoError(t, rdb.LPush(ctx, k.Failed, failed).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.FailedExpiry, redis.Z{Score: 1e15, Member: failed}).Err())

	require.NoError(t, c.RetryFailed(ctx, "q", "f1"))
	jobs, err := c.ListJobs(ctx, "q", StateCreated, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 0, jobs[0].Retry)
	require.Empty(t, jobs[0].LastError)

	nf, _ := rdb.LLen(ctx, k.Failed).Result()
	require.Equal(t, int64(0), nf)
	held, _ := rdb.SIsMember(ctx, k.Unique, "q").Result()
	require.True(t, held)

	require.ErrorIs(t, c.RetryFailed(ctx, "q", "f1"), ErrJobNotFound)
}

func TestClient_RetryFailed_DedupHeldByOtherJob(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("q")

	require.NoError(t, rdb.LPush(ctx, k.Failed, `{"id":"f1","name":"q","dedup_key":"q"}`).Err())
	_, err := c.Enqueue(ctx, "q", nil, DedupKey("q"))
	require.NoError(t, err)

	require.ErrorIs(t, c.RetryFailed(ctx, "q", "f1"), ErrDuplicateTask)
	nf, _ := rdb.LLen(ctx, k.Failed).Result()
	require.Equal(t, int64(1), nf)
}

func TestClient_ListQueues(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	c := NewClient(rdb)
	ctx := context.Background()
	k := ikeys.For("archiveBlinko")

	require.NoError(t, rdb.SAdd(ctx, ikeys.Queues, "archiveBlinko").Err())
	_, _ = c.Enqueue(ctx, "archiveBlinko", nil)
	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: 1, Member: "a"}).Err())
	require.NoError(t, rdb.HSet(ctx, k.Meta, "last_started_at", 1700000000000, "last_state", "failed").Err())

	qs, err := c.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	q := qs[0]
	require.Equal(t, "archiveBlinko", q.Name)
	require.Equal(t, int64(1), q.Created)
	require.Equal(t, int64(1), q.Active)
	require.Equal(t, int64(2), q.Count())
	require.Equal(t, StateFailed, q.LastState)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), q.LastStartedAt)
	require.True(t, q.LastFinishedAt.IsZero())
}

func TestClient_Ping(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	c := NewClient(rdb)
	require.NoError(t, c.Ping(context.Background()))

	s.Close()
	require.ErrorIs(t, c.Ping(context.Background()), ErrBackendUnavailable)
}

func TestExtractQueueName(t *testing.T) {
	require.Equal(t, "dbBackup", ExtractQueueName(ikeys.For("dbBackup").Pending))
	require.Equal(t, "", ExtractQueueName("notejobs:queues"))
	require.Equal(t, "", ExtractQueueName("notejobs:{}:x"))
}
