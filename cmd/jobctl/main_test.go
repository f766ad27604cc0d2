package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/app"
	"github.com/UniQw/notejobs/internal/config"
	"github.com/UniQw/notejobs/internal/maintenance"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	root := t.TempDir()
	cfg := &config.Config{
		Log:       config.LogConfig{Level: "error"},
		Queue:     config.QueueConfig{VisibilityTTL: time.Minute, ScheduleInterval: time.Second},
		Jobs:      config.JobsConfig{AutoArchivedDays: 30, StopWait: time.Second, RebuildBatchSize: 5},
		Embedding: config.EmbeddingConfig{Provider: "none"},
		Storage:   config.StorageConfig{Backend: "local"},
		Paths:     config.PathsConfig{Root: root, Backup: root, Upload: root},
		Cache:     config.CacheConfig{Backend: "redis"},
	}
	a := app.New(cfg, rdb, nil, app.Options{})
	backend := notejobs.NewRedisBackend(a.Client, nil)
	jobs, err := a.BuildJobs(context.Background(), backend)
	require.NoError(t, err)

	var out bytes.Buffer
	return &cli{out: &out, client: a.Client, jobs: jobs, reg: jobs.Registry(backend, nil)}, &out
}

func TestRun_HelpAndVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(nil, &out))
	require.Contains(t, out.String(), "Usage:")

	out.Reset()
	require.NoError(t, run([]string{"version"}, &out))
	require.Equal(t, version+"\n", out.String())
}

func TestDispatch_UnknownCommand(t *testing.T) {
	c, _ := newTestCLI(t)
	require.ErrorContains(t, c.dispatch(context.Background(), "explode", nil), "unknown command")
}

func TestTrigger_CoalescesWhileQueued(t *testing.T) {
	c, out := newTestCLI(t)
	ctx := context.Background()

	require.NoError(t, c.dispatch(ctx, "trigger", []string{maintenance.ArchiveTaskName}))
	require.Contains(t, out.String(), "queued "+maintenance.ArchiveTaskName)

	out.Reset()
	require.NoError(t, c.dispatch(ctx, "trigger", []string{maintenance.ArchiveTaskName}))
	require.Contains(t, out.String(), "already queued")
}

func TestTrigger_UnknownTask(t *testing.T) {
	c, _ := newTestCLI(t)
	require.ErrorContains(t, c.dispatch(context.Background(), "trigger", []string{"nope"}), "unknown task")
}

func TestListAndCancel(t *testing.T) {
	c, out := newTestCLI(t)
	ctx := context.Background()
	require.NoError(t, c.dispatch(ctx, "trigger", []string{maintenance.BackupTaskName}))

	c.json = true
	out.Reset()
	require.NoError(t, c.dispatch(ctx, "list", []string{maintenance.BackupTaskName, "created"}))
	var jobs []notejobs.Job
	require.NoError(t, json.Unmarshal(out.Bytes(), &jobs))
	require.Len(t, jobs, 1)

	c.json = false
	out.Reset()
	require.NoError(t, c.dispatch(ctx, "cancel", []string{maintenance.BackupTaskName, jobs[0].ID}))
	require.Contains(t, out.String(), "ok")

	cancelled, err := c.client.ListJobs(ctx, maintenance.BackupTaskName, notejobs.StateCancelled, nil)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
}

func TestScheduleShowsInTasks(t *testing.T) {
	c, out := newTestCLI(t)
	ctx := context.Background()

	require.NoError(t, c.dispatch(ctx, "schedule", []string{maintenance.RecommendTaskName, "*/15 * * * *"}))
	out.Reset()
	require.NoError(t, c.dispatch(ctx, "tasks", nil))
	require.Contains(t, out.String(), "*/15 * * * *")

	require.NoError(t, c.dispatch(ctx, "unschedule", []string{maintenance.RecommendTaskName}))
	out.Reset()
	require.NoError(t, c.dispatch(ctx, "tasks", nil))
	require.NotContains(t, out.String(), "*/15 * * * *")
}

func TestSchedule_InvalidCron(t *testing.T) {
	c, _ := newTestCLI(t)
	require.Error(t, c.dispatch(context.Background(), "schedule", []string{maintenance.BackupTaskName, "every day"}))
}

func TestRebuild_NotConfigured(t *testing.T) {
	c, _ := newTestCLI(t)
	require.ErrorIs(t, c.dispatch(context.Background(), "progress", nil), app.ErrNoRebuild)
}
