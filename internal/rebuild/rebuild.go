// Package rebuild re-indexes every note into the embedding store as a
// resumable, stoppable background task.
//
// Progress is checkpointed after every record in a progress.Snapshot. A
// stopped run keeps its processed ids so an incremental run only touches the
// remainder. Stop requests travel through a runs.Registry and are observed
// before each batch and between records.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/notes"
	"github.com/UniQw/notejobs/internal/notify"
	"github.com/UniQw/notejobs/internal/progress"
	"github.com/UniQw/notejobs/internal/runs"
)

// TaskName is the queue and schedule name of the rebuild task.
const TaskName = "rebuildEmbedding"

// CompleteTitle is the notification title sent when a rebuild finishes.
const CompleteTitle = "embedding-rebuild-complete"

var (
	// ErrAlreadyRunning is returned by ForceRebuild without force while a run is in progress.
	ErrAlreadyRunning = errors.New("rebuild: already running")
	// ErrStillRunning is returned when a forced restart timed out waiting for the previous run to exit.
	ErrStillRunning = errors.New("rebuild: previous run did not stop in time")

	errInterrupted = errors.New("rebuild: interrupted")
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".svg"}

// RecordSource lists notes to index in ascending id order.
type RecordSource interface {
	ListRecords(ctx context.Context, exclude []int64) ([]notes.Note, error)
}

// Index is the embedding store being rebuilt.
type Index interface {
	Upsert(ctx context.Context, noteID int64, content string, createdAt, updatedAt time.Time) error
	UpsertAttachment(ctx context.Context, noteID int64, filePath string, updatedAt time.Time) error
	RebuildIndex(ctx context.Context, isDelete bool) error
}

// Payload is the job payload enqueued by the control operations.
type Payload struct {
	Force       bool `json:"force,omitempty"`
	Incremental bool `json:"incremental,omitempty"`
	Retry       bool `json:"retry,omitempty"`
}

// Stopped is the result of a run that observed a stop request.
type Stopped struct {
	Stopped bool `json:"stopped"`
	Current int  `json:"current"`
	Total   int  `json:"total"`
}

// Deps are the collaborators of a Job.
type Deps struct {
	Backend  notejobs.Backend
	Progress progress.Store
	Records  RecordSource
	Index    Index
	Notifier notify.Sink
	Runs     runs.Registry
	Logger   notejobs.Logger
}

// Option tunes a Job.
type Option func(*Job)

// WithBatchSize sets how many records are processed between stop checks.
func WithBatchSize(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithMaxAttempts sets the attempts per embedding call.
func WithMaxAttempts(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.maxAttempts = n
		}
	}
}

// WithBackoff sets the backoff unit; attempt n waits n*unit.
func WithBackoff(unit time.Duration) Option {
	return func(j *Job) { j.backoff = unit }
}

// WithResultsCap bounds the results ring.
func WithResultsCap(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.resultsCap = n
		}
	}
}

// WithStopWait bounds how long a forced restart waits for the previous run.
func WithStopWait(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.stopWait = d
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(j *Job) {
		if fn != nil {
			j.sleep = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(j *Job) {
		if fn != nil {
			j.now = fn
		}
	}
}

// Job is the embedding rebuild task.
type Job struct {
	*notejobs.Runner

	progress progress.Store
	records  RecordSource
	index    Index
	notifier notify.Sink
	runs     runs.Registry
	log      notejobs.Logger

	batchSize   int
	maxAttempts int
	backoff     time.Duration
	resultsCap  int
	stopWait    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// New builds the rebuild job. Missing Runs and Logger fall back to an
// in-process registry and a discarding logger.
func New(d Deps, opts ...Option) *Job {
	j := &Job{
		progress:    d.Progress,
		records:     d.Records,
		index:       d.Index,
		notifier:    d.Notifier,
		runs:        d.Runs,
		log:         d.Logger,
		batchSize:   5,
		maxAttempts: 3,
		backoff:     time.Second,
		resultsCap:  50,
		stopWait:    30 * time.Second,
		sleep:       sleepCtx,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if j.runs == nil {
		j.runs = runs.NewLocal()
	}
	if j.log == nil {
		j.log = notejobs.NopLogger()
	}
	for _, opt := range opts {
		opt(j)
	}
	j.Runner = notejobs.NewRunner(d.Backend, j, notejobs.WithLogger(j.log))
	return j
}

func (j *Job) Name() string            { return TaskName }
func (j *Job) DefaultSchedule() string { return notejobs.DefaultSchedule }

// ForceRebuild seeds a new snapshot and enqueues a run. With force, a run in
// progress is stopped and awaited first; without it, ErrAlreadyRunning is
// returned. With incremental, the previous snapshot's processed ids carry over.
func (j *Job) ForceRebuild(ctx context.Context, force, incremental bool) (bool, error) {
	existing, err := j.progress.Get(ctx, progress.RebuildEmbeddingKey)
	if err != nil {
		return false, fmt.Errorf("failed to load progress: %w", err)
	}

	stopped := false
	if existing != nil && existing.IsRunning {
		if !force {
			return false, ErrAlreadyRunning
		}
		stopped = true
		j.log.Infof("rebuild: force stopping current run")
		if _, err := j.StopRebuild(ctx); err != nil {
			return false, err
		}
		wctx, cancel := context.WithTimeout(ctx, j.stopWait)
		err := j.runs.Wait(wctx, TaskName)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return false, ErrStillRunning
			}
			return false, fmt.Errorf("failed to wait for previous run: %w", err)
		}
	}

	now := j.now()
	var snap *progress.Snapshot
	if incremental && existing != nil {
		snap = existing.Clone()
		snap.IsRunning = true
		snap.RetryCount++
		snap.IsIncremental = true
		snap.LastUpdate = now
	} else {
		snap = progress.Fresh(now)
	}
	snap.IndexResetBy = ""
	j.save(ctx, snap)

	p := Payload{Force: force, Incremental: incremental}
	if !stopped {
		if err := j.trigger(ctx, p); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := j.retrigger(ctx, p); err != nil {
		if errors.Is(err, ErrStillRunning) {
			snap.IsRunning = false
			snap.LastUpdate = j.now()
			j.save(ctx, snap)
		}
		return false, err
	}
	return true, nil
}

// retriggerEvery is the pause between enqueue attempts after a forced stop.
const retriggerEvery = 50 * time.Millisecond

// retrigger enqueues the run that follows a forced stop. The stopped job
// keeps its dedup key until its worker acknowledges it, which happens after
// the run registry already reported the exit, so a coalesced trigger is
// retried for up to stopWait while that job is still active.
func (j *Job) retrigger(ctx context.Context, p Payload) error {
	attempts := int(j.stopWait/retriggerEvery) + 1
	for i := 1; ; i++ {
		_, err := j.TriggerNow(ctx, p)
		if !errors.Is(err, notejobs.ErrDuplicateTask) {
			return err
		}
		active, err := j.activeJobs(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue state: %w", err)
		}
		if active == 0 {
			// coalesced into a queued run that has not started yet
			return nil
		}
		if i >= attempts {
			return ErrStillRunning
		}
		if err := j.sleep(ctx, retriggerEvery); err != nil {
			return err
		}
	}
}

func (j *Job) activeJobs(ctx context.Context) (int64, error) {
	queues, err := j.Backend().ListQueues(ctx)
	if err != nil {
		return 0, err
	}
	for _, q := range queues {
		if q.Name == TaskName {
			return q.Active, nil
		}
	}
	return 0, nil
}

// StopRebuild asks the current run to stop and marks the snapshot as not
// running. The loop exits at the next record or batch boundary.
func (j *Job) StopRebuild(ctx context.Context) (bool, error) {
	if err := j.runs.Cancel(ctx, TaskName); err != nil && !errors.Is(err, runs.ErrNoRun) {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	snap, err := j.progress.Get(ctx, progress.RebuildEmbeddingKey)
	if err != nil {
		return false, fmt.Errorf("failed to load progress: %w", err)
	}
	if snap != nil {
		snap.IsRunning = false
		snap.LastUpdate = j.now()
		j.save(ctx, snap)
	}
	return true, nil
}

// ResumeRebuild continues from the last snapshot.
func (j *Job) ResumeRebuild(ctx context.Context) (bool, error) {
	return j.ForceRebuild(ctx, true, true)
}

// RetryFailedNotes makes failed notes eligible again and enqueues an
// incremental run. It reports false when there is no snapshot.
func (j *Job) RetryFailedNotes(ctx context.Context) (bool, error) {
	snap, err := j.progress.Get(ctx, progress.RebuildEmbeddingKey)
	if err != nil {
		return false, fmt.Errorf("failed to load progress: %w", err)
	}
	if snap == nil {
		return false, nil
	}
	snap.ClearFailed()
	snap.IsRunning = true
	snap.IsIncremental = true
	snap.LastUpdate = j.now()
	j.save(ctx, snap)

	if err := j.trigger(ctx, Payload{Retry: true}); err != nil {
		return false, err
	}
	return true, nil
}

// GetProgress returns the stored snapshot, or nil if none exists.
func (j *Job) GetProgress(ctx context.Context) (*progress.Snapshot, error) {
	return j.progress.Get(ctx, progress.RebuildEmbeddingKey)
}

// GetFailedNotes returns the ids whose embedding failed in the last run.
func (j *Job) GetFailedNotes(ctx context.Context) ([]int64, error) {
	snap, err := j.progress.Get(ctx, progress.RebuildEmbeddingKey)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return []int64{}, nil
	}
	return snap.FailedNoteIDs, nil
}

// Progress adapts GetProgress for the task registry.
func (j *Job) Progress(ctx context.Context) (any, error) {
	snap, err := j.GetProgress(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	return snap, nil
}

func (j *Job) trigger(ctx context.Context, p Payload) error {
	_, err := j.TriggerNow(ctx, p)
	if err != nil && !errors.Is(err, notejobs.ErrDuplicateTask) {
		return err
	}
	return nil
}

// RunTask executes one rebuild pass over the stored snapshot.
func (j *Job) RunTask(ctx context.Context, job *notejobs.Job) (res any, err error) {
	snap, err := j.progress.Get(ctx, progress.RebuildEmbeddingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	if snap == nil {
		snap = progress.Fresh(j.now())
	}
	if !snap.IsRunning {
		j.log.Infof("rebuild: snapshot not running, nothing to do: id=%s", job.ID)
		return snap, nil
	}

	runCtx, h, err := j.runs.Begin(ctx, TaskName)
	if err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	defer h.Done()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rebuild: panic: %v", p)
			res = nil
			j.fail(ctx, snap, err)
		}
	}()

	res, err = j.run(runCtx, h, job.ID, snap)
	if err != nil {
		if ctx.Err() != nil {
			// shutdown: the checkpoint keeps isRunning so a redelivery resumes
			return nil, ctx.Err()
		}
		j.fail(ctx, snap, err)
		return nil, err
	}
	return res, nil
}

func (j *Job) run(ctx context.Context, h *runs.Handle, jobID string, snap *progress.Snapshot) (any, error) {
	callCtx := context.WithoutCancel(ctx)

	resumed := snap.IsIncremental || (jobID != "" && snap.IndexResetBy == jobID)
	if !snap.IsIncremental && !resumed {
		if err := j.index.RebuildIndex(callCtx, true); err != nil {
			return nil, fmt.Errorf("failed to reset index: %w", err)
		}
		snap.IndexResetBy = jobID
		j.save(ctx, snap)
	}

	var exclude []int64
	if resumed {
		exclude = snap.ProcessedNoteIDs
	}
	records, err := j.records.ListRecords(callCtx, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	total := len(records)
	if resumed {
		total = snap.Total
		if total == 0 {
			total = len(records) + len(snap.ProcessedNoteIDs)
		}
	}
	current := snap.Current
	if current == 0 {
		current = len(snap.ProcessedNoteIDs)
	}
	j.log.Infof("rebuild: processing records: count=%d total=%d current=%d incremental=%t",
		len(records), total, current, snap.IsIncremental)

	for i := 0; i < len(records); i += j.batchSize {
		if ctx.Err() != nil {
			return j.halt(ctx, h, snap, current, total)
		}
		end := min(i+j.batchSize, len(records))
		for _, rec := range records[i:end] {
			if ctx.Err() != nil {
				break
			}
			if snap.IsProcessed(rec.ID) {
				continue
			}
			ok, err := j.processRecord(ctx, snap, rec)
			if ok {
				snap.MarkProcessed(rec.ID)
				current++
			}
			if errors.Is(err, errInterrupted) {
				break
			}
			id := rec.ID
			snap.LastProcessedID = &id
			j.checkpoint(ctx, snap, current, total)
		}
	}
	if ctx.Err() != nil {
		return j.halt(ctx, h, snap, current, total)
	}

	snap.Current = current
	snap.Total = total
	snap.Percentage = 100
	snap.IsRunning = false
	snap.LastUpdate = j.now()
	j.save(ctx, snap)
	notejobs.SetProgress(ctx, 100)

	if err := j.notifier.Notify(callCtx, notify.Notification{
		Type:    notify.TypeSystem,
		Title:   CompleteTitle,
		Content: CompleteTitle,
		Scope:   notify.ScopeSystem,
	}); err != nil {
		j.log.Warnf("rebuild: completion notification failed: err=%v", err)
	}
	j.log.Infof("rebuild: completed: current=%d total=%d failed=%d", current, total, len(snap.FailedNoteIDs))
	return snap, nil
}

// processRecord embeds the note text and its attachments. It reports whether
// at least one of them succeeded.
func (j *Job) processRecord(ctx context.Context, snap *progress.Snapshot, rec notes.Note) (bool, error) {
	callCtx := context.WithoutCancel(ctx)
	processed := false
	embeddable := false

	if strings.TrimSpace(rec.Content) != "" {
		embeddable = true
		err := j.withRetry(ctx, func() error {
			return j.index.Upsert(callCtx, rec.ID, rec.Content, rec.CreatedAt, rec.UpdatedAt)
		})
		switch {
		case errors.Is(err, errInterrupted):
			return false, err
		case err != nil:
			j.log.Warnf("rebuild: note failed: id=%d err=%v", rec.ID, err)
			j.addResult(snap, progress.OutcomeError, truncate(rec.Content, 30), err.Error())
			snap.MarkFailed(rec.ID)
		default:
			j.addResult(snap, progress.OutcomeSuccess, truncate(rec.Content, 30), "")
			snap.MarkRecovered(rec.ID)
			processed = true
		}
	}

	for _, a := range rec.Attachments {
		if isImage(a.Path) {
			j.addResult(snap, progress.OutcomeSkip, a.Path, "image not supported")
			continue
		}
		embeddable = true
		err := j.withRetry(ctx, func() error {
			return j.index.UpsertAttachment(callCtx, rec.ID, a.Path, rec.UpdatedAt)
		})
		switch {
		case errors.Is(err, errInterrupted):
			return processed, err
		case err != nil:
			j.log.Warnf("rebuild: attachment failed: id=%d path=%s err=%v", rec.ID, a.Path, err)
			j.addResult(snap, progress.OutcomeError, decodePath(a.Path), err.Error())
		default:
			j.addResult(snap, progress.OutcomeSuccess, decodePath(a.Path), "")
			processed = true
		}
	}

	if !embeddable {
		snap.MarkSkipped(rec.ID)
	}
	return processed, nil
}

// withRetry calls fn up to maxAttempts times, waiting attempt*backoff between
// attempts. An interrupted wait returns errInterrupted.
func (j *Job) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= j.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == j.maxAttempts {
			break
		}
		if j.sleep(ctx, time.Duration(attempt)*j.backoff) != nil {
			return errInterrupted
		}
	}
	return err
}

func (j *Job) checkpoint(ctx context.Context, snap *progress.Snapshot, current, total int) {
	snap.Current = current
	snap.Total = total
	snap.Percentage = progress.Percent(current, total)
	snap.IsRunning = true
	snap.LastUpdate = j.now()
	j.save(ctx, snap)
	notejobs.SetProgress(ctx, snap.Percentage)
}

// halt persists the partial snapshot after the run context ended. An
// explicit stop marks the run as not running; a shutdown leaves it running.
func (j *Job) halt(ctx context.Context, h *runs.Handle, snap *progress.Snapshot, current, total int) (any, error) {
	snap.Current = current
	snap.Total = total
	snap.Percentage = progress.Percent(current, total)
	snap.LastUpdate = j.now()
	if !h.Stopped() {
		j.save(ctx, snap)
		return nil, ctx.Err()
	}
	snap.IsRunning = false
	j.save(ctx, snap)
	j.log.Infof("rebuild: stopped: current=%d total=%d", current, total)
	return Stopped{Stopped: true, Current: current, Total: total}, nil
}

func (j *Job) fail(ctx context.Context, snap *progress.Snapshot, err error) {
	if n := j.resultsCap - 1; len(snap.Results) > n {
		snap.Results = snap.Results[len(snap.Results)-n:]
	}
	j.addResult(snap, progress.OutcomeError, "Task failed", err.Error())
	snap.IsRunning = false
	snap.LastUpdate = j.now()
	j.save(ctx, snap)
}

func (j *Job) addResult(snap *progress.Snapshot, typ, content, errMsg string) {
	snap.AddResult(progress.Outcome{
		Type:      typ,
		Content:   content,
		Error:     errMsg,
		Timestamp: j.now(),
	}, j.resultsCap)
}

func (j *Job) save(ctx context.Context, snap *progress.Snapshot) {
	res := j.progress.Save(context.WithoutCancel(ctx), progress.RebuildEmbeddingKey, snap)
	if !res.OK() {
		j.log.Warnf("rebuild: progress save failed: key=%s err=%v", res.Key, res.Err)
	}
}

func isImage(p string) bool {
	return slices.Contains(imageExts, strings.ToLower(path.Ext(p)))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func decodePath(p string) string {
	if d, err := url.PathUnescape(p); err == nil {
		return d
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
