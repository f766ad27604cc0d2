package embedding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/UniQw/notejobs/internal/database"
)

// ErrUnsupportedAttachment is returned for attachments whose content cannot be read as text.
var ErrUnsupportedAttachment = errors.New("embedding: unsupported attachment type")

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true,
	".json": true, ".html": true, ".htm": true, ".xml": true, ".log": true,
}

// Index stores note and attachment embeddings in Postgres.
type Index struct {
	db        *sql.DB
	embedder  Embedder
	uploadDir string
	chunkSize int
}

// NewIndex creates an index. uploadDir is where /api/file/ attachment paths live.
func NewIndex(db *sql.DB, embedder Embedder, uploadDir string) *Index {
	return &Index{db: db, embedder: embedder, uploadDir: uploadDir, chunkSize: 2000}
}

// Upsert replaces the embeddings of a note's own content.
func (x *Index) Upsert(ctx context.Context, noteID int64, content string, createdAt, updatedAt time.Time) error {
	return x.replace(ctx, noteID, "", content, updatedAt)
}

// UpsertAttachment replaces the embeddings of one attachment of a note.
func (x *Index) UpsertAttachment(ctx context.Context, noteID int64, filePath string, updatedAt time.Time) error {
	local, err := x.ResolvePath(filePath)
	if err != nil {
		return err
	}
	if !textExtensions[strings.ToLower(filepath.Ext(local))] {
		return fmt.Errorf("%w: %s", ErrUnsupportedAttachment, filepath.Ext(local))
	}
	b, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}
	return x.replace(ctx, noteID, filePath, string(b), updatedAt)
}

// RebuildIndex prepares the index for a full rebuild. With isDelete it drops
// every stored vector.
func (x *Index) RebuildIndex(ctx context.Context, isDelete bool) error {
	if !isDelete {
		return nil
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("failed to reset index: %w", database.MapError(err))
	}
	return nil
}

// ResolvePath maps an attachment URL path to a file under uploadDir.
func (x *Index) ResolvePath(p string) (string, error) {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		decoded = p
	}
	rel := strings.TrimPrefix(decoded, "/api/file/")
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if rel == "" || rel == "." {
		return "", fmt.Errorf("%w: empty path", ErrUnsupportedAttachment)
	}
	return filepath.Join(x.uploadDir, filepath.FromSlash(rel)), nil
}

func (x *Index) replace(ctx context.Context, noteID int64, attachment, content string, updatedAt time.Time) error {
	chunks := Chunk(content, x.chunkSize)
	if len(chunks) == 0 {
		return ErrEmptyText
	}
	vectors := make([][]byte, len(chunks))
	for i, c := range chunks {
		v, err := x.embedder.Embed(ctx, c)
		if err != nil {
			return err
		}
		vectors[i], _ = json.Marshal(v)
	}
	return database.RunInTransaction(ctx, x.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM embeddings WHERE note_id = $1 AND attachment_path = $2`, noteID, attachment); err != nil {
			return database.MapError(err)
		}
		for i, c := range chunks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO embeddings (note_id, attachment_path, chunk, content, embedding, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)`, noteID, attachment, i, c, vectors[i], updatedAt); err != nil {
				return database.MapError(err)
			}
		}
		return nil
	})
}
