// Package maintenance holds the periodic single-pass jobs: auto-archiving old
// notes, refreshing the recommendation feed and producing backups.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/notejobs"
)

// ArchiveTaskName is the queue name of the archive job.
const ArchiveTaskName = "archiveBlinko"

// Archiver marks notes older than cutoff as archived.
type Archiver interface {
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArchiveResult is stored as the archive job result.
type ArchiveResult struct {
	ArchivedCount    int64  `json:"archivedCount"`
	AutoArchivedDays int    `json:"autoArchivedDays,omitempty"`
	CutoffDate       string `json:"cutoffDate,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Archive archives blinko notes older than a configured number of days.
type Archive struct {
	*notejobs.Runner

	notes Archiver
	days  func() int
	now   func() time.Time
	log   notejobs.Logger
}

// NewArchive creates the archive job. days is read on every run; a value
// below one falls back to 30.
func NewArchive(backend notejobs.Backend, notes Archiver, days func() int, log notejobs.Logger) *Archive {
	if log == nil {
		log = notejobs.NopLogger()
	}
	a := &Archive{notes: notes, days: days, now: time.Now, log: log}
	a.Runner = notejobs.NewRunner(backend, a, notejobs.WithLogger(log))
	return a
}

func (a *Archive) Name() string            { return ArchiveTaskName }
func (a *Archive) DefaultSchedule() string { return "0 0 * * *" }

func (a *Archive) RunTask(ctx context.Context, _ *notejobs.Job) (any, error) {
	days := 30
	if a.days != nil {
		if d := a.days(); d > 0 {
			days = d
		}
	}
	cutoff := a.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	n, err := a.notes.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("archive failed: %w", err)
	}
	if n == 0 {
		return ArchiveResult{Message: "No notes to archive"}, nil
	}
	a.log.Infof("notes archived: count=%d days=%d cutoff=%s", n, days, cutoff.Format(time.RFC3339))
	return ArchiveResult{
		ArchivedCount:    n,
		AutoArchivedDays: days,
		CutoffDate:       cutoff.Format(time.RFC3339Nano),
	}, nil
}
