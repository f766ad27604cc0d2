package embedding

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/UniQw/notejobs/internal/database"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text)), 1}, nil
}

func TestChunk(t *testing.T) {
	require.Nil(t, Chunk("   ", 10))
	require.Equal(t, []string{"short"}, Chunk("short", 10))

	text := "line one\nline two\nline three"
	chunks := Chunk(text, 12)
	require.Equal(t, []string{"line one", "line two", "line three"}, chunks)

	long := strings.Repeat("é", 25)
	chunks = Chunk(long, 10)
	require.Len(t, chunks, 3)
	require.Equal(t, strings.Repeat("é", 5), chunks[2])
}

func TestNewLimiter(t *testing.T) {
	unlimited := NewLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow())
	}
	limited := NewLimiter(2)
	require.True(t, limited.Allow())
	require.True(t, limited.Allow())
	require.False(t, limited.Allow())
}

func TestNewGemini_MissingKey(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiConfig{})
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestIndex_ResolvePath(t *testing.T) {
	x := NewIndex(nil, &fakeEmbedder{}, "/data/upload")
	p, err := x.ResolvePath("/api/file/My%20Notes.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/data/upload", "My Notes.md"), p)

	p, err = x.ResolvePath("/api/file/../../etc/passwd")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/data/upload", "etc", "passwd"), p)

	_, err = x.ResolvePath("/api/file/")
	require.ErrorIs(t, err, ErrUnsupportedAttachment)
}

func TestIndex_UpsertAttachment_UnsupportedType(t *testing.T) {
	x := NewIndex(nil, &fakeEmbedder{}, t.TempDir())
	err := x.UpsertAttachment(context.Background(), 1, "/api/file/report.pdf", time.Now())
	require.ErrorIs(t, err, ErrUnsupportedAttachment)
}

func TestIndex_Postgres(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.Open(ctx, url, database.Options{})
	require.NoError(t, err)
	defer func(db *sql.DB) { _ = db.Close() }(db)
	require.NoError(t, database.Migrate(db, nil))

	var noteID int64
	require.NoError(t, db.QueryRow(`INSERT INTO notes (content) VALUES ('hello') RETURNING id`).Scan(&noteID))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# attached"), 0o600))
	emb := &fakeEmbedder{}
	x := NewIndex(db, emb, dir)

	require.NoError(t, x.Upsert(ctx, noteID, "hello", time.Now(), time.Now()))
	require.NoError(t, x.Upsert(ctx, noteID, "hello again", time.Now(), time.Now()))
	require.NoError(t, x.UpsertAttachment(ctx, noteID, "/api/file/a.md", time.Now()))

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM embeddings WHERE note_id = $1`, noteID).Scan(&n))
	require.Equal(t, 2, n)

	require.NoError(t, x.RebuildIndex(ctx, true))
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM embeddings`).Scan(&n))
	require.Equal(t, 0, n)
}
