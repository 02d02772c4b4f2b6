package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
)

// CreateReceiptRequest wraps parameters for creating a receipt.
type CreateReceiptRequest struct {
	UserID        int64
	ContentType   string
	ContentLength int64
	ContentHash   string
}

type ReceiptRepository interface {
	// Create consults the hash history ledger and inserts the row plus its ledger entry atomically.
	Create(ctx context.Context, req CreateReceiptRequest) (*entity.Receipt, error)
	GetByID(ctx context.Context, id, userID int64) (*entity.Receipt, error)
	ListRecent(ctx context.Context, offset, limit int) ([]*entity.Receipt, error)
	// Rotate is not scoped to an owner: any authenticated user may rotate any receipt.
	Rotate(ctx context.Context, id int64, delta int) (*entity.Receipt, error)
	// Delete retires the digest, detaches it from the ledger and removes the receipt and its transactions.
	Delete(ctx context.Context, id, userID int64) (*entity.Receipt, error)
	UpdateAfterMerge(ctx context.Context, id, userID int64, newHash string, newLength int64) (*entity.Receipt, error)
	// ConsumeMergeSource retires the source digest as merged and drops the row, leaving transactions in place.
	ConsumeMergeSource(ctx context.Context, id, userID int64) error
}

type receiptRepository struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewReceiptRepository(db *sql.DB, logger *slog.Logger) ReceiptRepository {
	return &receiptRepository{
		db:     db,
		now:    utcNow,
		logger: logger,
	}
}

const receiptColumns = `id, user_id, created_at, content_type, content_length, content_hash, rotation, merge_count`

func (r *receiptRepository) Create(ctx context.Context, req CreateReceiptRequest) (*entity.Receipt, error) {
	var rec *entity.Receipt
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := lookupDigest(ctx, tx, req.ContentHash); err == nil {
			return common.NewAppError(common.CodeDuplicateReceipt, "The receipt is already in the system.", common.ErrDuplicateReceipt)
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`INSERT INTO receipts (user_id, created_at, content_type, content_length, content_hash, rotation, merge_count)
			 VALUES ($1, $2, $3, $4, $5, 0, 0)
			 RETURNING `+receiptColumns,
			req.UserID, r.now(), req.ContentType, req.ContentLength, req.ContentHash)
		var err error
		rec, err = scanReceipt(row)
		if err != nil {
			if isUniqueViolation(err) {
				return common.NewAppError(common.CodeDuplicateReceipt, "The receipt is already in the system.", common.ErrDuplicateReceipt)
			}
			return fmt.Errorf("insert receipt: %w", err)
		}

		if _, err := recordDigest(ctx, tx, req.ContentHash, &rec.ID, rec.CreatedAt); err != nil {
			if errors.Is(err, common.ErrDuplicateDigest) {
				return common.NewAppError(common.CodeDuplicateReceipt, "The receipt is already in the system.", common.ErrDuplicateReceipt)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrDuplicateReceipt) {
			r.logger.Info("duplicate receipt rejected", "user_id", req.UserID, "content_hash", req.ContentHash)
		} else {
			r.logger.Error("failed to create receipt", "user_id", req.UserID, "content_hash", req.ContentHash, "error", err)
		}
		return nil, err
	}
	r.logger.Debug("receipt created", "id", rec.ID, "user_id", rec.UserID, "content_hash", rec.ContentHash)
	return rec, nil
}

func (r *receiptRepository) GetByID(ctx context.Context, id, userID int64) (*entity.Receipt, error) {
	return getReceipt(ctx, r.db, id, userID)
}

func (r *receiptRepository) ListRecent(ctx context.Context, offset, limit int) ([]*entity.Receipt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 ORDER BY id DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		r.logger.Error("failed to list receipts", "offset", offset, "limit", limit, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *receiptRepository) Rotate(ctx context.Context, id int64, delta int) (*entity.Receipt, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE receipts SET rotation = (((rotation + $1) % 360) + 360) % 360
		 WHERE id = $2
		 RETURNING `+receiptColumns, delta, id)
	rec, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: receipt %d", common.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to rotate receipt", "id", id, "delta", delta, "error", err)
		return nil, err
	}
	return rec, nil
}

func (r *receiptRepository) Delete(ctx context.Context, id, userID int64) (*entity.Receipt, error) {
	var rec *entity.Receipt
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		rec, err = getReceipt(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		if err := retireReceiptDigest(ctx, tx, rec, constants.ReasonDeletedByUser, r.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM line_items WHERE transaction_id IN (SELECT id FROM transactions WHERE receipt_id = $1)`, id); err != nil {
			return fmt.Errorf("delete line items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE receipt_id = $1`, id); err != nil {
			return fmt.Errorf("delete transactions: %w", err)
		}
		return deleteReceiptRow(ctx, tx, id, userID)
	})
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			r.logger.Error("failed to delete receipt", "id", id, "user_id", userID, "error", err)
		}
		return nil, err
	}
	r.logger.Info("receipt deleted", "id", id, "user_id", userID, "content_hash", rec.ContentHash)
	return rec, nil
}

func (r *receiptRepository) UpdateAfterMerge(ctx context.Context, id, userID int64, newHash string, newLength int64) (*entity.Receipt, error) {
	var rec *entity.Receipt
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		prev, err := getReceipt(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		if err := retireDigest(ctx, tx, prev.ContentHash, constants.ReasonMerged, r.now()); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE receipts
			 SET content_hash = $1, content_length = $2, content_type = $3, merge_count = merge_count + 1
			 WHERE id = $4 AND user_id = $5
			 RETURNING `+receiptColumns,
			newHash, newLength, constants.ContentTypePDF, id, userID)
		rec, err = scanReceipt(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: receipt %d", common.ErrNotFound, id)
		}
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", common.ErrDuplicateDigest, newHash)
			}
			return fmt.Errorf("update merged receipt: %w", err)
		}
		_, err = recordDigest(ctx, tx, newHash, &rec.ID, r.now())
		return err
	})
	if err != nil {
		r.logger.Error("failed to update receipt after merge", "id", id, "content_hash", newHash, "error", err)
		return nil, err
	}
	r.logger.Info("receipt updated after merge", "id", id, "content_hash", newHash, "merge_count", rec.MergeCount)
	return rec, nil
}

func (r *receiptRepository) ConsumeMergeSource(ctx context.Context, id, userID int64) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rec, err := getReceipt(ctx, tx, id, userID)
		if err != nil {
			return err
		}
		if err := retireReceiptDigest(ctx, tx, rec, constants.ReasonMerged, r.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET receipt_id = NULL WHERE receipt_id = $1`, id); err != nil {
			return fmt.Errorf("detach transactions: %w", err)
		}
		return deleteReceiptRow(ctx, tx, id, userID)
	})
	if err != nil {
		r.logger.Error("failed to consume merge source", "id", id, "user_id", userID, "error", err)
		return err
	}
	r.logger.Info("merge source consumed", "id", id, "user_id", userID)
	return nil
}

// retireReceiptDigest retires the receipt's current digest and unlinks every ledger entry pointing at it.
func retireReceiptDigest(ctx context.Context, q querier, rec *entity.Receipt, reason constants.RetirementReason, at time.Time) error {
	if err := retireDigest(ctx, q, rec.ContentHash, reason, at); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE receipt_hash_history SET original_receipt_id = NULL WHERE original_receipt_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("unlink ledger entries: %w", err)
	}
	return nil
}

func deleteReceiptRow(ctx context.Context, q querier, id, userID int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM receipts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: receipt %d", common.ErrNotFound, id)
	}
	return nil
}

func getReceipt(ctx context.Context, q querier, id, userID int64) (*entity.Receipt, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE id = $1 AND user_id = $2`, id, userID)
	rec, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: receipt %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return rec, nil
}

func scanReceipt(row rowScanner) (*entity.Receipt, error) {
	var rec entity.Receipt
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.CreatedAt, &rec.ContentType,
		&rec.ContentLength, &rec.ContentHash, &rec.Rotation, &rec.MergeCount); err != nil {
		return nil, err
	}
	return &rec, nil
}
