package receipts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/blob"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/digest"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
	"github.com/joseph-ayodele/receipts-ledger/internal/metrics"
	"github.com/joseph-ayodele/receipts-ledger/internal/repository"
	"github.com/joseph-ayodele/receipts-ledger/internal/thumbnail"
)

// RotationStep is the fixed delta applied by one rotate request.
const RotationStep = 90

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// Service handles receipt business logic.
type Service struct {
	receiptRepo repository.ReceiptRepository
	ledger      repository.HashHistoryRepository
	blobs       *blob.Store
	thumbs      thumbnail.Generator
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewService creates a new receipt service. m may be nil.
func NewService(receiptRepo repository.ReceiptRepository, ledger repository.HashHistoryRepository,
	blobs *blob.Store, thumbs thumbnail.Generator, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		receiptRepo: receiptRepo,
		ledger:      ledger,
		blobs:       blobs,
		thumbs:      thumbs,
		metrics:     m,
		logger:      logger,
	}
}

// Upload stores a new receipt. The digest is checked against the ledger before
// anything is written; a failure after the row commits deletes the row again.
func (s *Service) Upload(ctx context.Context, userID int64, declaredType string, r io.ReadSeeker) (*entity.Receipt, error) {
	contentType := constants.NormalizeContentType(declaredType)
	if !constants.IsSupportedContentType(contentType) {
		s.metrics.Upload(metrics.OutcomeRejected)
		return nil, common.NewAppError(common.CodeUnsupportedContent,
			fmt.Sprintf("unsupported content type %q", declaredType), common.ErrUnsupportedContentType)
	}
	if err := s.checkSniffedType(contentType, r); err != nil {
		s.metrics.Upload(metrics.OutcomeRejected)
		return nil, err
	}

	size, sum, err := digest.Sum(r)
	if err != nil {
		return nil, fmt.Errorf("hash upload: %w", err)
	}

	rec, err := s.receiptRepo.Create(ctx, repository.CreateReceiptRequest{
		UserID:        userID,
		ContentType:   contentType,
		ContentLength: size,
		ContentHash:   sum,
	})
	if err != nil {
		if errors.Is(err, common.ErrDuplicateReceipt) {
			s.metrics.Upload(metrics.OutcomeDuplicate)
		} else {
			s.metrics.Upload(metrics.OutcomeFailed)
		}
		return nil, err
	}

	if _, err := s.blobs.Write(rec.ID, r); err != nil {
		s.compensate(ctx, rec, err)
		return nil, fmt.Errorf("persist receipt blob: %w", err)
	}
	if _, err := s.thumbs.Generate(ctx, contentType, s.blobs.Path(rec.ID)); err != nil {
		s.compensate(ctx, rec, err)
		return nil, fmt.Errorf("generate thumbnail: %w", err)
	}

	s.metrics.Upload(metrics.OutcomeOK)
	s.logger.Info("receipt uploaded", "receipt_id", rec.ID, "user_id", userID,
		"content_type", contentType, "bytes", size, "content_hash", sum)
	return rec, nil
}

// checkSniffedType rejects uploads whose bytes contradict the declared type.
func (s *Service) checkSniffedType(contentType string, r io.ReadSeeker) error {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return fmt.Errorf("sniff upload: %w", err)
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("restore position: %w", err)
	}

	ok := (constants.IsPDF(contentType) && mt.Is(constants.ContentTypePDF)) ||
		(constants.IsImage(contentType) && constants.IsImage(mt.String()))
	if !ok {
		s.logger.Warn("upload content does not match declared type", "declared", contentType, "detected", mt.String())
		return common.InvalidInputf("content looks like %s, not %s", mt.String(), contentType)
	}
	return nil
}

// compensate removes a receipt whose files could not be written.
func (s *Service) compensate(ctx context.Context, rec *entity.Receipt, cause error) {
	s.metrics.Upload(metrics.OutcomeFailed)
	s.logger.Error("upload failed after receipt row was committed, removing it",
		"receipt_id", rec.ID, "user_id", rec.UserID, "error", cause)

	ctx = context.WithoutCancel(ctx)
	if _, err := s.receiptRepo.Delete(ctx, rec.ID, rec.UserID); err != nil {
		s.logger.Error("failed to remove receipt row after upload failure", "receipt_id", rec.ID, "error", err)
		s.metrics.StorageInconsistency()
	}
	_ = s.blobs.Remove(rec.ID)
}

// Rotate turns a receipt by RotationStep degrees.
func (s *Service) Rotate(ctx context.Context, id, userID int64) (*entity.Receipt, error) {
	rec, err := s.receiptRepo.Rotate(ctx, id, RotationStep)
	if err != nil {
		return nil, err
	}
	s.metrics.Rotated()
	s.logger.Info("receipt rotated", "receipt_id", id, "user_id", userID, "rotation", rec.Rotation)
	return rec, nil
}

// Delete removes the receipt row and then its files. A leftover file is only logged.
func (s *Service) Delete(ctx context.Context, id, userID int64) error {
	if _, err := s.receiptRepo.Delete(ctx, id, userID); err != nil {
		return err
	}
	if err := s.blobs.Remove(id); err != nil {
		s.logger.Warn("receipt files left orphaned", "receipt_id", id, "error", err)
	}
	s.metrics.Deleted()
	return nil
}

func (s *Service) Get(ctx context.Context, id, userID int64) (*entity.Receipt, error) {
	return s.receiptRepo.GetByID(ctx, id, userID)
}

// List returns one newest-first page. NextOffset is nil on the last page.
func (s *Service) List(ctx context.Context, offset, limit int) (*entity.ReceiptPage, error) {
	if offset < 0 {
		return nil, common.InvalidInputf("offset must not be negative")
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		return nil, common.InvalidInputf("limit must be at most %d", MaxPageSize)
	}

	recs, err := s.receiptRepo.ListRecent(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	page := &entity.ReceiptPage{Items: make([]entity.Receipt, 0, len(recs))}
	for _, r := range recs {
		page.Items = append(page.Items, *r)
	}
	if len(recs) == limit {
		next := offset + limit
		page.NextOffset = &next
	}
	return page, nil
}

// OpenBlob opens the stored document of a receipt owned by userID.
func (s *Service) OpenBlob(ctx context.Context, id, userID int64) (*entity.Receipt, *os.File, error) {
	rec, err := s.receiptRepo.GetByID(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.blobs.Open(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.metrics.StorageInconsistency()
			s.logger.Error("receipt row has no blob", "receipt_id", id)
			return nil, nil, fmt.Errorf("%w: blob for receipt %d is missing", common.ErrStorageInconsistency, id)
		}
		return nil, nil, err
	}
	return rec, f, nil
}

// OpenThumbnail opens the JPEG preview of a receipt owned by userID.
func (s *Service) OpenThumbnail(ctx context.Context, id, userID int64) (*os.File, error) {
	if _, err := s.receiptRepo.GetByID(ctx, id, userID); err != nil {
		return nil, err
	}
	f, err := s.blobs.OpenThumbnail(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: thumbnail for receipt %d", common.ErrNotFound, id)
	}
	return f, err
}

// History lists the ledger entries produced by a receipt owned by userID.
func (s *Service) History(ctx context.Context, id, userID int64) ([]*entity.HashHistoryEntry, error) {
	if _, err := s.receiptRepo.GetByID(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.ledger.ListByReceipt(ctx, id)
}
