// Package notes reads and bulk-updates the note tables the background jobs work on.
package notes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/UniQw/notejobs/internal/database"
	"github.com/jackc/pgx/v5/pgtype"
)

// TypeBlinko is the note type eligible for auto-archiving.
const TypeBlinko = 0

// FollowTypeFollowing marks sites the user follows.
const FollowTypeFollowing = "following"

type Attachment struct {
	ID        int64     `json:"id"`
	NoteID    int64     `json:"noteId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

type Note struct {
	ID          int64        `json:"id"`
	AccountID   *int64       `json:"accountId,omitempty"`
	Content     string       `json:"content"`
	Type        int          `json:"type"`
	IsArchived  bool         `json:"isArchived"`
	IsRecycle   bool         `json:"isRecycle"`
	IsShare     bool         `json:"isShare"`
	IsTop       bool         `json:"isTop"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Attachments []Attachment `json:"attachments"`
}

type Follow struct {
	ID         int64     `json:"id"`
	SiteURL    string    `json:"siteUrl"`
	AccountID  int64     `json:"accountId"`
	FollowType string    `json:"followType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Repository is the Postgres-backed note source.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

// ListRecords returns non-recycled notes ordered by ascending id, excluding
// the given ids, with their attachments.
func (r *Repository) ListRecords(ctx context.Context, exclude []int64) ([]Note, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, content, type, is_archived, is_recycle, is_share, is_top, created_at, updated_at
		FROM notes
		WHERE is_recycle = FALSE AND NOT (id = ANY($1))
		ORDER BY id ASC`, pgtype.FlatArray[int64](exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", database.MapError(err))
	}
	list, err := scanNotes(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ExportAll returns every note with attachments, ordered by id.
func (r *Repository) ExportAll(ctx context.Context) ([]Note, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, content, type, is_archived, is_recycle, is_share, is_top, created_at, updated_at
		FROM notes ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to export notes: %w", database.MapError(err))
	}
	list, err := scanNotes(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ArchiveOlderThan marks blinko notes created before cutoff as archived in a
// single transaction and returns how many were changed.
func (r *Repository) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := database.RunInTransaction(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notes SET is_archived = TRUE, updated_at = now()
			WHERE type = $1 AND is_archived = FALSE AND created_at < $2`, TypeBlinko, cutoff)
		if err != nil {
			return database.MapError(err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to archive notes: %w", err)
	}
	return n, nil
}

// FollowingSites returns the follows of type "following".
func (r *Repository) FollowingSites(ctx context.Context) ([]Follow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, site_url, account_id, follow_type, created_at
		FROM follows WHERE follow_type = $1 ORDER BY id ASC`, FollowTypeFollowing)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []Follow
	for rows.Next() {
		var f Follow
		if err := rows.Scan(&f.ID, &f.SiteURL, &f.AccountID, &f.FollowType, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan follow: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanNotes(rows *sql.Rows) ([]Note, error) {
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		var account sql.NullInt64
		if err := rows.Scan(&n.ID, &account, &n.Content, &n.Type, &n.IsArchived, &n.IsRecycle,
			&n.IsShare, &n.IsTop, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if account.Valid {
			n.AccountID = &account.Int64
		}
		n.Attachments = []Attachment{}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) attach(ctx context.Context, list []Note) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]int64, len(list))
	byID := make(map[int64]int, len(list))
	for i, n := range list {
		ids[i] = n.ID
		byID[n.ID] = i
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, note_id, name, path, size, type, created_at
		FROM attachments WHERE note_id = ANY($1) ORDER BY id ASC`, pgtype.FlatArray[int64](ids))
	if err != nil {
		return fmt.Errorf("failed to list attachments: %w", database.MapError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.NoteID, &a.Name, &a.Path, &a.Size, &a.Type, &a.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		if i, ok := byID[a.NoteID]; ok {
			list[i].Attachments = append(list[i].Attachments, a)
		}
	}
	return rows.Err()
}
