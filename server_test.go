package notejobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	ikeys "github.com/UniQw/notejobs/internal/keys"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Client, *Server, func()) {
	t.Helper()
	rdb, done := newMiniClient(t)
	c := NewClient(rdb)
	srv := NewServer(rdb, c, ServerConfig{
		VisibilityTTL:    time.Minute,
		ScheduleInterval: 20 * time.Millisecond,
		Logger:           NopLogger(),
	})
	return c, srv, done
}

func TestServer_StartStop_Idempotent(t *testing.T) {
	_, srv, done := newTestServer(t)
	defer done()
	require.NoError(t, srv.RegisterWorker("t", 1, func(context.Context, *Job) (any, error) { return nil, nil }))

	srv.Start()
	srv.Start()
	srv.Stop()
	srv.Stop()
}

func TestServer_RegisterWorker_Twice(t *testing.T) {
	_, srv, done := newTestServer(t)
	defer done()
	h := func(context.Context, *Job) (any, error) { return nil, nil }
	require.NoError(t, srv.RegisterWorker("dbBackup", 1, h))
	require.Error(t, srv.RegisterWorker("dbBackup", 1, h))
}

func TestServer_EndToEnd_ResultAndFailure(t *testing.T) {
	c, srv, done := newTestServer(t)
	defer done()
	ctx := context.Background()

	var mwCalls atomic.Int32
	srv.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, job *Job) (any, error) {
			mwCalls.Add(1)
			return next(ctx, job)
		}
	})
	require.NoError(t, srv.RegisterWorker("ok", 1, func(ctx context.Context, job *Job) (any, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := job.Bind(&in); err != nil {
			return nil, err
		}
		SetProgress(ctx, 50)
		return map[string]int{"double": in.N * 2}, nil
	}))
	require.NoError(t, srv.RegisterWorker("fail", 1, func(context.Context, *Job) (any, error) {
		return nil, errors.New("boom")
	}))
	srv.Start()
	defer srv.Stop()

	_, err := c.Enqueue(ctx, "ok", map[string]int{"n": 21}, JobID("ok-1"))
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, "fail", nil, JobID("fail-1"), MaxRetry(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		done, _ := c.ListJobs(ctx, "ok", StateCompleted, nil)
		failed, _ := c.ListJobs(ctx, "fail", StateFailed, nil)
		return len(done) == 1 && len(failed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	jobs, err := c.ListJobs(ctx, "ok", StateCompleted, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"double":42}`, string(jobs[0].Result))
	require.Equal(t, 50, jobs[0].Progress)

	failed, err := c.ListJobs(ctx, "fail", StateFailed, nil)
	require.NoError(t, err)
	require.Equal(t, "boom", failed[0].LastError)
	require.GreaterOrEqual(t, mwCalls.Load(), int32(2))
}

func TestServer_FiresDueSchedule(t *testing.T) {
	c, srv, done := newTestServer(t)
	defer done()
	ctx := context.Background()

	var runs atomic.Int32
	require.NoError(t, srv.RegisterWorker("archiveBlinko", 1, func(context.Context, *Job) (any, error) {
		runs.Add(1)
		return nil, nil
	}))
	require.NoError(t, c.Schedule(ctx, "archiveBlinko", "* * * * *"))
	// make the entry due now
	require.NoError(t, c.rdb.ZAdd(ctx, ikeys.ScheduleDue, zMember(time.Now().Add(-time.Second), "archiveBlinko")).Err())

	srv.Start()
	defer srv.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	next, err := c.rdb.ZScore(ctx, ikeys.ScheduleDue, "archiveBlinko").Result()
	require.NoError(t, err)
	require.Greater(t, int64(next), time.Now().Unix()-1, "re-armed into the future")
}
