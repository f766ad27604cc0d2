package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/notejobs/internal/cache"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*CacheStore, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCacheStore(cache.NewRedis(rdb)), rdb
}

type failingCache struct{ cache.Store }

func (failingCache) Upsert(context.Context, string, []byte) (bool, error) {
	return false, errors.New("db down")
}

func TestPercent(t *testing.T) {
	require.Equal(t, 100, Percent(0, 0))
	require.Equal(t, 0, Percent(0, 10))
	require.Equal(t, 33, Percent(1, 3))
	require.Equal(t, 99, Percent(199, 200))
	require.Equal(t, 100, Percent(12, 10))
}

func TestStore_GetMissing(t *testing.T) {
	st, _ := newStore(t)
	snap, err := st.Get(context.Background(), RebuildEmbeddingKey)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestStore_SaveCreateThenUpdate(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	snap := Fresh(now)
	snap.Total = 20
	snap.MarkProcessed(1)
	id := int64(1)
	snap.LastProcessedID = &id

	res := st.Save(ctx, RebuildEmbeddingKey, snap)
	require.True(t, res.OK())
	require.True(t, res.Created)

	snap.Current = 1
	res = st.Save(ctx, RebuildEmbeddingKey, snap)
	require.NoError(t, res.Err)
	require.False(t, res.Created)

	got, err := st.Get(ctx, RebuildEmbeddingKey)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, got.SchemaVersion)
	require.Equal(t, 1, got.Current)
	require.Equal(t, []int64{1}, got.ProcessedNoteIDs)
	require.Equal(t, int64(1), *got.LastProcessedID)
	require.True(t, got.StartTime.Equal(now))
}

func TestStore_SaveFailureIsReported(t *testing.T) {
	st := NewCacheStore(failingCache{})
	res := st.Save(context.Background(), RebuildEmbeddingKey, Fresh(time.Now()))
	require.Error(t, res.Err)
	require.False(t, res.OK())
	require.Equal(t, RebuildEmbeddingKey, res.Key)

	res = st.Save(context.Background(), RebuildEmbeddingKey, nil)
	require.Error(t, res.Err)
}

func TestDecode_UpgradesLegacyBlob(t *testing.T) {
	legacy := `{"current":10,"total":20,"percentage":50,"isRunning":false,
		"results":[{"type":"success","content":"hello","timestamp":"2024-05-01T10:00:00.000Z"}],
		"processedNoteIds":[1,2,3],"failedNoteIds":[4],"retryCount":1,
		"startTime":"2024-05-01T09:00:00.000Z","lastUpdate":"2024-05-01T10:00:00.000Z",
		"isIncremental":true,"someFutureField":"ignored"}`
	snap, err := Decode([]byte(legacy))
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, snap.SchemaVersion)
	require.Equal(t, []int64{1, 2, 3}, snap.ProcessedNoteIDs)
	require.Equal(t, []int64{4}, snap.FailedNoteIDs)
	require.NotNil(t, snap.SkippedNoteIDs)
	require.Len(t, snap.Results, 1)
	require.Nil(t, snap.LastProcessedID)
}

func TestDecode_RejectsNewerVersion(t *testing.T) {
	_, err := Decode([]byte(`{"schemaVersion":99}`))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSnapshot_ResultsBounded(t *testing.T) {
	s := Fresh(time.Now())
	for i := 0; i < 60; i++ {
		s.AddResult(Outcome{Type: OutcomeSuccess, Content: string(rune('a' + i%26))}, 50)
	}
	require.Len(t, s.Results, 50)
}

func TestSnapshot_ClearFailed(t *testing.T) {
	s := Fresh(time.Now())
	for _, id := range []int64{1, 2, 3} {
		s.MarkProcessed(id)
	}
	s.MarkProcessed(2)
	require.Len(t, s.ProcessedNoteIDs, 3)
	s.MarkFailed(3)
	s.MarkFailed(4)

	s.ClearFailed()
	require.Equal(t, []int64{1, 2}, s.ProcessedNoteIDs)
	require.Empty(t, s.FailedNoteIDs)
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := Fresh(time.Now())
	s.MarkProcessed(1)
	id := int64(1)
	s.LastProcessedID = &id

	c := s.Clone()
	c.MarkProcessed(2)
	*c.LastProcessedID = 2
	require.Equal(t, []int64{1}, s.ProcessedNoteIDs)
	require.Equal(t, int64(1), *s.LastProcessedID)
}

func TestSnapshot_MarkRecovered(t *testing.T) {
	s := Fresh(time.Now())
	s.MarkFailed(4)
	s.MarkFailed(7)
	require.True(t, s.IsFailed(4))

	s.MarkRecovered(4)
	s.MarkProcessed(4)
	require.Equal(t, []int64{7}, s.FailedNoteIDs)
	require.False(t, s.IsFailed(4))
	require.True(t, s.IsProcessed(4))

	s.MarkRecovered(99)
	require.Equal(t, []int64{7}, s.FailedNoteIDs)
}

func TestSnapshot_MembershipIndexFollowsSets(t *testing.T) {
	s := Fresh(time.Now())
	for id := int64(1); id <= 1000; id++ {
		s.MarkProcessed(id)
	}
	s.MarkProcessed(500)
	require.Len(t, s.ProcessedNoteIDs, 1000)
	require.True(t, s.IsProcessed(1000))
	require.False(t, s.IsProcessed(1001))

	// the clone gets its own index
	c := s.Clone()
	c.MarkProcessed(1001)
	require.True(t, c.IsProcessed(1001))
	require.False(t, s.IsProcessed(1001))

	s.MarkFailed(3)
	s.ClearFailed()
	require.False(t, s.IsProcessed(3))
	require.True(t, s.IsProcessed(4))

	// direct edits to the exported sets are picked up
	s.ProcessedNoteIDs = append(s.ProcessedNoteIDs, 2000)
	require.True(t, s.IsProcessed(2000))
}

func TestDecode_BuildsIndexLazily(t *testing.T) {
	snap, err := Decode([]byte(`{"schemaVersion":1,"processedNoteIds":[1,2],"failedNoteIds":[3]}`))
	require.NoError(t, err)
	require.True(t, snap.IsProcessed(2))
	require.True(t, snap.IsFailed(3))
	snap.MarkProcessed(2)
	require.Equal(t, []int64{1, 2}, snap.ProcessedNoteIDs)
}
