package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MarkusJohansen/faxing/internal/domain"
)

// FileSink writes each record as a JSON file in a directory
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// WriteArchive creates dir/name. An existing file is never overwritten.
func (s *FileSink) WriteArchive(ctx context.Context, name string, rec *domain.ArchiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("invalid archive name %q", name)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding archive: %w", err)
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing archive file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("syncing archive file: %w", err)
	}
	return f.Close()
}

// ReadArchive loads a record previously written by WriteArchive
func (s *FileSink) ReadArchive(name string) (*domain.ArchiveRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("reading archive file: %w", err)
	}
	var rec domain.ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing archive file: %w", err)
	}
	return &rec, nil
}
