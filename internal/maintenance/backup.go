package maintenance

import (
	"archive/zip"
	"compress/flate"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/UniQw/notejobs"
	"github.com/UniQw/notejobs/internal/notes"
	"github.com/UniQw/notejobs/internal/notify"
	"github.com/UniQw/notejobs/internal/storage"
)

const (
	// BackupTaskName is the queue name of the backup job.
	BackupTaskName = "dbBackup"
	// BackupFileName is the archive written to the upload directory.
	BackupFileName = "blinko_export.bko"
	// BackupObjectKey is where the archive is stored in object storage.
	BackupObjectKey = "/BLINKO_BACKUP/" + BackupFileName
)

// Exporter returns every note with its attachments.
type Exporter interface {
	ExportAll(ctx context.Context) ([]notes.Note, error)
}

// BackupConfig locates the data directories.
type BackupConfig struct {
	RootDir   string
	BackupDir string
	UploadDir string
	Version   string
}

// ArchiveProgress describes how far the zip writer got.
type ArchiveProgress struct {
	Processed      int   `json:"processed"`
	Total          int   `json:"total"`
	ProcessedBytes int64 `json:"processedBytes"`
	Percent        int   `json:"percent"`
}

// BackupResult is stored as the backup job result.
type BackupResult struct {
	FilePath   string           `json:"filePath"`
	Progress   *ArchiveProgress `json:"progress"`
	NotesCount int              `json:"notesCount"`
	Timestamp  string           `json:"timestamp"`
}

type exportFile struct {
	Notes      []notes.Note `json:"notes"`
	ExportTime time.Time    `json:"exportTime"`
	Version    string       `json:"version"`
}

// Backup exports notes to JSON, zips the data directory and uploads the
// archive.
type Backup struct {
	*notejobs.Runner

	notes    Exporter
	uploader storage.Uploader
	notifier notify.Sink
	cfg      BackupConfig
	log      notejobs.Logger
}

// NewBackup creates the backup job. A nil uploader keeps the archive in the
// upload directory.
func NewBackup(backend notejobs.Backend, exp Exporter, up storage.Uploader, sink notify.Sink, cfg BackupConfig, log notejobs.Logger) *Backup {
	if log == nil {
		log = notejobs.NopLogger()
	}
	if up == nil {
		up = storage.NewLocal(cfg.UploadDir)
	}
	b := &Backup{notes: exp, uploader: up, notifier: sink, cfg: cfg, log: log}
	b.Runner = notejobs.NewRunner(backend, b, notejobs.WithLogger(log))
	return b
}

func (b *Backup) Name() string            { return BackupTaskName }
func (b *Backup) DefaultSchedule() string { return "0 0 * * *" }

func (b *Backup) RunTask(ctx context.Context, _ *notejobs.Job) (any, error) {
	list, err := b.notes.ExportAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export notes: %w", err)
	}
	if err := b.writeExport(list); err != nil {
		return nil, err
	}

	target := filepath.Join(b.cfg.UploadDir, BackupFileName)
	prog, err := b.zipDir(ctx, b.cfg.RootDir, target)
	if err != nil {
		return nil, err
	}

	if err := b.notifier.Notify(ctx, notify.Notification{
		Type:    notify.TypeSystem,
		Title:   "system-notification",
		Content: "backup-success",
		Scope:   notify.ScopeSystem,
	}); err != nil {
		b.log.Warnf("backup: notification failed: err=%v", err)
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	filePath, err := b.uploader.Upload(ctx, BackupObjectKey, f, "application/zip")
	if err != nil {
		return nil, err
	}

	b.log.Infof("backup: completed: notes=%d entries=%d bytes=%d path=%s",
		len(list), prog.Processed, prog.ProcessedBytes, filePath)
	return BackupResult{
		FilePath:   filePath,
		Progress:   prog,
		NotesCount: len(list),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *Backup) writeExport(list []notes.Note) error {
	if list == nil {
		list = []notes.Note{}
	}
	raw, err := json.MarshalIndent(exportFile{Notes: list, ExportTime: time.Now().UTC(), Version: b.cfg.Version}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := os.MkdirAll(b.cfg.BackupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.cfg.BackupDir, "bak.json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// zipDir writes every regular file below root into target, skipping target
// itself, and reports progress to the queue as it goes.
func (b *Backup) zipDir(ctx context.Context, root, target string) (*ArchiveProgress, error) {
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove old archive: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	absTarget, _ := filepath.Abs(target)

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(p); abs == absTarget {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	out, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	prog := &ArchiveProgress{Total: len(files)}
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return nil, err
		}
		n, err := addFile(zw, root, p)
		if err != nil {
			_ = zw.Close()
			return nil, err
		}
		prog.Processed++
		prog.ProcessedBytes += n
		prog.Percent = prog.Processed * 100 / prog.Total
		notejobs.SetProgress(ctx, prog.Percent)
	}
	if prog.Total == 0 {
		prog.Percent = 100
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return prog, nil
}

func addFile(zw *zip.Writer, root, p string) (int64, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, err
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("failed to add %s: %w", rel, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("failed to add %s: %w", rel, err)
	}
	return n, nil
}
