// Package blob lays receipt files out on local disk, one file per receipt id.
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-ledger/constants"
)

// Store owns the receipt directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates dir if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create receipt dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Path is the canonical blob location for a receipt.
func (s *Store) Path(id int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(id, 10)+constants.BlobExt)
}

// ThumbnailPath is the preview location for a receipt.
func (s *Store) ThumbnailPath(id int64) string {
	return ThumbnailPath(s.Path(id))
}

// ThumbnailPath derives the sibling preview path, "<dir>/<id>.dr" -> "<dir>/<id>-thumb.dr".
func ThumbnailPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-thumb" + ext
}

// TempPath returns a fresh path in the receipt directory, so a later rename stays on one filesystem.
func (s *Store) TempPath(prefix string) string {
	return filepath.Join(s.dir, "."+prefix+"-"+uuid.NewString()+".tmp")
}

// Write persists r as the receipt's blob. Readers never observe a partial file.
func (s *Store) Write(id int64, r io.Reader) (int64, error) {
	tmp := s.TempPath("upload")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if err := s.Swap(tmp, id); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	s.logger.Debug("blob written", "receipt_id", id, "bytes", n)
	return n, nil
}

// Swap atomically moves tmp over the receipt's canonical blob.
func (s *Store) Swap(tmp string, id int64) error {
	if err := os.Rename(tmp, s.Path(id)); err != nil {
		return fmt.Errorf("swap blob %d: %w", id, err)
	}
	return nil
}

// Exists reports whether the receipt's blob is on disk.
func (s *Store) Exists(id int64) bool {
	info, err := os.Stat(s.Path(id))
	return err == nil && info.Mode().IsRegular()
}

// Open opens the receipt's blob for reading.
func (s *Store) Open(id int64) (*os.File, error) {
	return os.Open(s.Path(id))
}

// OpenThumbnail opens the receipt's preview for reading.
func (s *Store) OpenThumbnail(id int64) (*os.File, error) {
	return os.Open(s.ThumbnailPath(id))
}

// Remove deletes the blob and its thumbnail. Missing files are not an error.
func (s *Store) Remove(id int64) error {
	var errs []error
	for _, p := range []string{s.Path(id), s.ThumbnailPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("failed to remove blob files", "receipt_id", id, "error", err)
		return err
	}
	return nil
}

// Discard removes a temporary file, ignoring absence.
func (s *Store) Discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove temp file", "path", path, "error", err)
	}
}
