// Package app wires configuration into the stores, queue and jobs shared by
// the notejobs binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/cache"
	"github.com/UniQw/notejobs/internal/config"
	"github.com/UniQw/notejobs/internal/database"
	"github.com/UniQw/notejobs/internal/embedding"
	"github.com/UniQw/notejobs/internal/maintenance"
	"github.com/UniQw/notejobs/internal/notes"
	"github.com/UniQw/notejobs/internal/notify"
	"github.com/UniQw/notejobs/internal/progress"
	"github.com/UniQw/notejobs/internal/rebuild"
	"github.com/UniQw/notejobs/internal/runs"
	"github.com/UniQw/notejobs/internal/storage"
	"github.com/redis/go-redis/v9"
)

// ErrNoRebuild is returned when a rebuild operation is requested but no
// embedding provider is configured.
var ErrNoRebuild = errors.New("app: embedding provider not configured")

// NewLogger returns a JSON slog logger at the given level name.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Options tune Open.
type Options struct {
	Logger  *slog.Logger
	Version string
}

// App holds the connections and stores built from a Config.
type App struct {
	Config   *config.Config
	Redis    *redis.Client
	DB       *sql.DB
	Client   *notejobs.Client
	Cache    cache.Store
	Progress progress.Store
	Notes    *notes.Repository
	Notifier notify.Sink
	Runs     *runs.Redis

	log     *notejobs.SlogLogger
	version string
}

// Open connects to Redis and Postgres. The caller must Close the App.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}

	db, err := database.Open(ctx, cfg.Database.URL, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(cfg, rdb, db, opts), nil
}

// New builds the stores over already open connections.
func New(cfg *config.Config, rdb *redis.Client, db *sql.DB, opts Options) *App {
	base := opts.Logger
	if base == nil {
		base = NewLogger(io.Discard, cfg.Log.Level)
	}
	a := &App{
		Config:  cfg,
		Redis:   rdb,
		DB:      db,
		log:     notejobs.NewSlogLogger(base),
		version: opts.Version,
	}
	a.Client = notejobs.NewClientWithConfig(rdb, notejobs.ClientConfig{
		MaxRetry:     cfg.Queue.MaxRetry,
		Retention:    cfg.Queue.Retention,
		ErrRetention: cfg.Queue.ErrRetention,
	})

	switch cfg.Cache.Backend {
	case "redis":
		a.Cache = cache.NewRedis(rdb)
	default:
		a.Cache = cache.NewPostgres(db)
	}
	a.Progress = progress.NewCacheStore(a.Cache)
	a.Notes = notes.NewRepository(db)
	a.Notifier = notify.NewRedis(rdb)
	a.Runs = runs.NewRedis(rdb, runs.WithLogger(a.Logger("runs")))
	return a
}

// Logger returns a logger tagged with component.
func (a *App) Logger(component string) *notejobs.SlogLogger {
	return a.log.With("component", component)
}

// Migrate applies pending database migrations.
func (a *App) Migrate() error {
	return database.Migrate(a.DB, a.Logger("migrate"))
}

// NewServer returns a queue server configured from the Queue section.
func (a *App) NewServer() *notejobs.Server {
	return notejobs.NewServer(a.Redis, a.Client, notejobs.ServerConfig{
		VisibilityTTL:    a.Config.Queue.VisibilityTTL,
		ScheduleInterval: a.Config.Queue.ScheduleInterval,
		Logger:           a.Logger("queue"),
	})
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var dbErr error
	if a.DB != nil {
		dbErr = a.DB.Close()
	}
	return errors.Join(dbErr, a.Redis.Close())
}

// Jobs are the tasks this process knows about.
type Jobs struct {
	// Rebuild is nil when no embedding provider is configured.
	Rebuild   *rebuild.Job
	Archive   *maintenance.Archive
	Recommend *maintenance.Recommend
	Backup    *maintenance.Backup
}

// BuildJobs constructs every job on backend. A backend without a server can
// enqueue and inspect, but cannot run workers.
func (a *App) BuildJobs(ctx context.Context, backend notejobs.Backend) (*Jobs, error) {
	cfg := a.Config
	j := &Jobs{}

	if cfg.Embedding.Provider == "gemini" {
		emb, err := embedding.NewGemini(ctx, embedding.GeminiConfig{
			APIKey: cfg.Embedding.APIKey,
			Model:  cfg.Embedding.Model,
			RPS:    cfg.Embedding.RPS,
		})
		if err != nil {
			return nil, err
		}
		j.Rebuild = rebuild.New(rebuild.Deps{
			Backend:  backend,
			Progress: a.Progress,
			Records:  a.Notes,
			Index:    embedding.NewIndex(a.DB, emb, cfg.Paths.Upload),
			Notifier: a.Notifier,
			Runs:     a.Runs,
			Logger:   a.Logger(rebuild.TaskName),
		},
			rebuild.WithBatchSize(cfg.Jobs.RebuildBatchSize),
			rebuild.WithStopWait(cfg.Jobs.StopWait),
		)
	}

	j.Archive = maintenance.NewArchive(backend, a.Notes,
		func() int { return cfg.Jobs.AutoArchivedDays },
		a.Logger(maintenance.ArchiveTaskName))
	j.Recommend = maintenance.NewRecommend(backend, a.Notes, a.Cache, a.Logger(maintenance.RecommendTaskName))

	var up storage.Uploader
	if cfg.Storage.Backend == "s3" {
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		up = s3
	}
	j.Backup = maintenance.NewBackup(backend, a.Notes, up, a.Notifier, maintenance.BackupConfig{
		RootDir:   cfg.Paths.Root,
		BackupDir: cfg.Paths.Backup,
		UploadDir: cfg.Paths.Upload,
		Version:   a.version,
	}, a.Logger(maintenance.BackupTaskName))
	return j, nil
}

// Runners returns the periodic runners keyed by task name.
func (j *Jobs) Runners() map[string]*notejobs.Runner {
	m := map[string]*notejobs.Runner{
		maintenance.ArchiveTaskName:   j.Archive.Runner,
		maintenance.RecommendTaskName: j.Recommend.Runner,
		maintenance.BackupTaskName:    j.Backup.Runner,
	}
	if j.Rebuild != nil {
		m[rebuild.TaskName] = j.Rebuild.Runner
	}
	return m
}

// Registry returns the read-only task view over every job.
func (j *Jobs) Registry(backend notejobs.Backend, log notejobs.Logger) *notejobs.Registry {
	reg := notejobs.NewRegistry(backend, log)
	if j.Rebuild != nil {
		reg.Register(rebuild.TaskName, j.Rebuild.Progress)
	}
	reg.Register(maintenance.ArchiveTaskName, nil)
	reg.Register(maintenance.RecommendTaskName, nil)
	reg.Register(maintenance.BackupTaskName, nil)
	return reg
}
