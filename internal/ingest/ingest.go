// Package ingest imports receipt files from the local filesystem through the upload path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
)

// Uploader is the upload use case; *receipts.Service satisfies it.
type Uploader interface {
	Upload(ctx context.Context, userID int64, declaredType string, r io.ReadSeeker) (*entity.Receipt, error)
}

// FileResult is the per-file import outcome.
type FileResult struct {
	Path         string
	ReceiptID    int64
	Deduplicated bool
	Digest       string
	Err          string
}

// DirStats summarizes a directory import. Succeeded includes deduplicated files.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

type Importer struct {
	uploader Uploader
	logger   *slog.Logger
}

func NewImporter(uploader Uploader, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{uploader: uploader, logger: logger}
}

// ImportPath uploads a single file. Content already on record is reported as
// deduplicated rather than as an error.
func (i *Importer) ImportPath(ctx context.Context, userID int64, path string) (FileResult, error) {
	out := FileResult{Path: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	out.Path = abs

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if !constants.IsAllowedExt(ext) {
		return out, fmt.Errorf("unsupported or missing extension: %q", ext)
	}

	f, err := os.Open(abs)
	if err != nil {
		return out, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return out, fmt.Errorf("detect content type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return out, fmt.Errorf("rewind: %w", err)
	}

	rec, err := i.uploader.Upload(ctx, userID, mt.String(), f)
	if errors.Is(err, common.ErrDuplicateReceipt) {
		i.logger.Info("skipping receipt already on record", "path", abs)
		out.Deduplicated = true
		return out, nil
	}
	if err != nil {
		i.logger.Warn("failed to import receipt", "path", abs, "error", err)
		return out, err
	}
	out.ReceiptID = rec.ID
	out.Digest = rec.ContentHash
	i.logger.Info("receipt imported", "path", abs, "receipt_id", rec.ID, "content_type", rec.ContentType)
	return out, nil
}
