// Command notejobs runs the background job workers and schedules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/app"
	"github.com/UniQw/notejobs/internal/config"
	"github.com/UniQw/notejobs/internal/maintenance"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// loggingMiddleware logs duration and outcome of each job.
func loggingMiddleware(l notejobs.Logger) notejobs.Middleware {
	return func(next notejobs.HandlerFunc) notejobs.HandlerFunc {
		return func(ctx context.Context, job *notejobs.Job) (any, error) {
			start := time.Now()
			res, err := next(ctx, job)
			if err != nil {
				l.Warnf("job failed: task=%s id=%s retry=%d dur=%s err=%v", job.Name, job.ID, job.Retry, time.Since(start), err)
			} else {
				l.Infof("job done: task=%s id=%s dur=%s", job.Name, job.ID, time.Since(start))
			}
			return res, err
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notejobs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("NOTEJOBS_CONFIG"), "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	base := app.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(base)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, app.Options{Logger: base, Version: version})
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.Logger("main")

	if err := a.Migrate(); err != nil {
		return err
	}

	srv := a.NewServer()
	srv.Use(loggingMiddleware(a.Logger("worker")))
	backend := notejobs.NewRedisBackend(a.Client, srv)

	jobs, err := a.BuildJobs(ctx, backend)
	if err != nil {
		return err
	}
	if err := startJobs(ctx, cfg, jobs, log); err != nil {
		return err
	}

	srv.Start()
	log.Infof("server started: version=%s redis=%s queues=%d", version, cfg.Redis.Addr, len(jobs.Runners()))

	reg := jobs.Registry(backend, a.Logger("registry"))
	for _, info := range reg.AllTasksInfo(ctx) {
		log.Infof("task: name=%s schedule=%q running=%t success=%t", info.Name, info.Schedule, info.IsRunning, info.IsSuccess)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Runs.Listen(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("cancel listener stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := jobs.Recommend.InitializeTask(gctx); err != nil {
			log.Warnf("recommend: initial run not queued: err=%v", err)
		}
		return nil
	})
	err = g.Wait()

	log.Infof("shutting down")
	srv.Stop()
	return err
}

// startJobs registers every worker and applies the configured schedules.
// Rebuild only runs on demand. A task that fails to start is logged and
// skipped; startup only aborts when the queue is unreachable or nothing
// started at all.
func startJobs(ctx context.Context, cfg *config.Config, jobs *app.Jobs, log notejobs.Logger) error {
	scheds := map[string]string{
		maintenance.ArchiveTaskName:   cfg.Jobs.Schedules.Archive,
		maintenance.RecommendTaskName: cfg.Jobs.Schedules.Recommend,
		maintenance.BackupTaskName:    cfg.Jobs.Schedules.Backup,
	}
	runners := jobs.Runners()
	names := make([]string, 0, len(runners))
	for name := range runners {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		started int
		errs    []error
	)
	for _, name := range names {
		r := runners[name]
		var err error
		if cron, periodic := scheds[name]; periodic {
			err = r.Start(ctx, cron, false)
		} else {
			err = r.Initialize(ctx)
		}
		if errors.Is(err, notejobs.ErrBackendUnavailable) {
			return err
		}
		if err != nil {
			log.Errorf("task failed to start: task=%s err=%v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		started++
	}
	if started == 0 && len(names) > 0 {
		return fmt.Errorf("no task started: %w", errors.Join(errs...))
	}
	return nil
}
