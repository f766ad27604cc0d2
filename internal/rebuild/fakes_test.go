package rebuild

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/notes"
	"github.com/UniQw/notejobs/internal/notify"
	"github.com/UniQw/notejobs/internal/progress"
	"github.com/UniQw/notejobs/internal/runs"
)

type memStore struct {
	mu      sync.Mutex
	snaps   map[string]*progress.Snapshot
	history []*progress.Snapshot
	saveErr error
}

func newMemStore() *memStore { return &memStore{snaps: map[string]*progress.Snapshot{}} }

func (m *memStore) Get(_ context.Context, key string) (*progress.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[key].Clone(), nil
}

func (m *memStore) Save(_ context.Context, key string, s *progress.Snapshot) progress.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return progress.Result{Key: key, Err: m.saveErr}
	}
	_, exists := m.snaps[key]
	m.snaps[key] = s.Clone()
	m.history = append(m.history, s.Clone())
	return progress.Result{Key: key, Created: !exists}
}

func (m *memStore) put(s *progress.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[progress.RebuildEmbeddingKey] = s.Clone()
}

func (m *memStore) current() *progress.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[progress.RebuildEmbeddingKey].Clone()
}

type fakeSource struct {
	mu       sync.Mutex
	notes    []notes.Note
	err      error
	excludes [][]int64
}

func (f *fakeSource) ListRecords(_ context.Context, exclude []int64) ([]notes.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excludes = append(f.excludes, slices.Clone(exclude))
	if f.err != nil {
		return nil, f.err
	}
	var out []notes.Note
	for _, n := range f.notes {
		if !slices.Contains(exclude, n.ID) {
			out = append(out, n)
		}
	}
	return out, nil
}

type fakeIndex struct {
	mu          sync.Mutex
	fail        map[int64]int // remaining failures per note, -1 fails forever
	failAttach  map[string]bool
	upserts     []int64
	attachments []string
	resets      int
	onUpsert    func(id int64)
	panicOn     int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{fail: map[int64]int{}, failAttach: map[string]bool{}}
}

func (f *fakeIndex) Upsert(_ context.Context, id int64, _ string, _, _ time.Time) error {
	f.mu.Lock()
	if f.panicOn != 0 && id == f.panicOn {
		f.mu.Unlock()
		panic("index exploded")
	}
	f.upserts = append(f.upserts, id)
	var err error
	if n, ok := f.fail[id]; ok && n != 0 {
		if n > 0 {
			f.fail[id] = n - 1
		}
		err = fmt.Errorf("embedding failed for note %d", id)
	}
	hook := f.onUpsert
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(id)
	}
	return err
}

func (f *fakeIndex) UpsertAttachment(_ context.Context, _ int64, filePath string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, filePath)
	if f.failAttach[filePath] {
		return errors.New("attachment failed")
	}
	return nil
}

func (f *fakeIndex) RebuildIndex(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeIndex) upserted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.upserts)
}

type fakeSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeSink) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	payloads []any
	dup      bool
	dupN     int   // coalesce this many more triggers
	active   int64 // jobs reported in the active set
	attempts int
}

func (f *fakeBackend) Ping(context.Context) error { return nil }

func (f *fakeBackend) Enqueue(_ context.Context, _ string, payload any, _ ...notejobs.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.dup {
		return "", notejobs.ErrDuplicateTask
	}
	if f.dupN > 0 {
		f.dupN--
		return "", notejobs.ErrDuplicateTask
	}
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("job-%d", len(f.payloads)), nil
}

func (f *fakeBackend) Schedule(context.Context, string, string) error { return nil }
func (f *fakeBackend) Unschedule(context.Context, string) error       { return nil }
func (f *fakeBackend) RegisterWorker(string, int, notejobs.HandlerFunc) error {
	return nil
}
func (f *fakeBackend) ListSchedules(context.Context) ([]notejobs.ScheduleInfo, error) {
	return nil, nil
}
func (f *fakeBackend) ListQueues(context.Context) ([]notejobs.QueueInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []notejobs.QueueInfo{{Name: TaskName, Active: f.active}}, nil
}

func (f *fakeBackend) enqueueAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeBackend) triggered() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.payloads)
}

type fixture struct {
	job     *Job
	store   *memStore
	src     *fakeSource
	idx     *fakeIndex
	sink    *fakeSink
	backend *fakeBackend
	reg     *runs.Local

	mu     sync.Mutex
	sleeps []time.Duration
}

func (fx *fixture) slept() []time.Duration {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return slices.Clone(fx.sleeps)
}

func makeNotes(n int) []notes.Note {
	out := make([]notes.Note, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, notes.Note{ID: int64(i), Content: fmt.Sprintf("note %d", i)})
	}
	return out
}

func ids(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func newFixture(t *testing.T, n int, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{
		store:   newMemStore(),
		src:     &fakeSource{notes: makeNotes(n)},
		idx:     newFakeIndex(),
		sink:    &fakeSink{},
		backend: &fakeBackend{},
		reg:     runs.NewLocal(),
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		fx.mu.Lock()
		fx.sleeps = append(fx.sleeps, d)
		fx.mu.Unlock()
		return ctx.Err()
	}
	fx.job = New(Deps{
		Backend:  fx.backend,
		Progress: fx.store,
		Records:  fx.src,
		Index:    fx.idx,
		Notifier: fx.sink,
		Runs:     fx.reg,
	}, append([]Option{WithSleep(sleep)}, opts...)...)
	return fx
}

func (fx *fixture) run(ctx context.Context, id string) (any, error) {
	return fx.job.RunTask(ctx, &notejobs.Job{ID: id, Name: TaskName})
}
