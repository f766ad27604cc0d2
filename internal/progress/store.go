package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/UniQw/notejobs/internal/cache"
	"github.com/bytedance/sonic"
)

// RebuildEmbeddingKey is the cache key of the embedding rebuild snapshot.
const RebuildEmbeddingKey = "rebuild_embedding_progress"

// ErrUnsupportedVersion is returned for snapshots written by a newer binary.
var ErrUnsupportedVersion = errors.New("progress: unsupported snapshot version")

// Result reports the outcome of a Save. Err is nil on success.
type Result struct {
	Key     string
	Created bool
	Err     error
}

// OK reports whether the save succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Store reads and writes snapshots by key.
type Store interface {
	// Get returns nil, nil when the key has no snapshot.
	Get(ctx context.Context, key string) (*Snapshot, error)
	// Save never panics; failures are reported in Result.Err.
	Save(ctx context.Context, key string, s *Snapshot) Result
}

// CacheStore persists snapshots as JSON in a cache.Store.
type CacheStore struct {
	cache cache.Store
}

func NewCacheStore(c cache.Store) *CacheStore { return &CacheStore{cache: c} }

func (s *CacheStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	raw, err := s.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func (s *CacheStore) Save(ctx context.Context, key string, snap *Snapshot) (res Result) {
	res.Key = key
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("progress: save panicked: %v", p)
		}
	}()
	if snap == nil {
		res.Err = errors.New("progress: nil snapshot")
		return res
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = SchemaVersion
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		res.Err = fmt.Errorf("failed to encode snapshot: %w", err)
		return res
	}
	res.Created, res.Err = s.cache.Upsert(ctx, key, raw)
	return res
}

// Decode parses a stored snapshot, upgrading older layouts.
func Decode(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := sonic.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.SchemaVersion)
	}
	snap.upgrade()
	return &snap, nil
}
