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

// HashHistoryRepository is the append-only ledger of every digest ever accepted.
type HashHistoryRepository interface {
	// Record appends a digest. Fails with common.ErrDuplicateDigest when it is already present.
	Record(ctx context.Context, digest string, originalReceiptID *int64) (int64, error)
	// Retire stamps the digest's entry once; later calls leave it untouched.
	Retire(ctx context.Context, digest string, reason constants.RetirementReason) error
	// Lookup returns common.ErrNotFound when the digest was never recorded.
	Lookup(ctx context.Context, digest string) (*entity.HashHistoryEntry, error)
	ListByReceipt(ctx context.Context, receiptID int64) ([]*entity.HashHistoryEntry, error)
	List(ctx context.Context, offset, limit int) ([]*entity.HashHistoryEntry, error)
	Stats(ctx context.Context) (entity.LedgerStats, error)
}

type hashHistoryRepo struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewHashHistoryRepository(db *sql.DB, logger *slog.Logger) HashHistoryRepository {
	return &hashHistoryRepo{
		db:     db,
		now:    utcNow,
		logger: logger,
	}
}

const hashHistoryColumns = `id, content_hash, original_receipt_id, uploaded_at, retired_at, retirement_reason`

func (r *hashHistoryRepo) Record(ctx context.Context, digest string, originalReceiptID *int64) (int64, error) {
	id, err := recordDigest(ctx, r.db, digest, originalReceiptID, r.now())
	if err != nil {
		if !errors.Is(err, common.ErrDuplicateDigest) {
			r.logger.Error("failed to record digest", "content_hash", digest, "error", err)
		}
		return 0, err
	}
	r.logger.Debug("digest recorded", "content_hash", digest, "id", id)
	return id, nil
}

func (r *hashHistoryRepo) Retire(ctx context.Context, digest string, reason constants.RetirementReason) error {
	if err := retireDigest(ctx, r.db, digest, reason, r.now()); err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			r.logger.Error("failed to retire digest", "content_hash", digest, "reason", reason, "error", err)
		}
		return err
	}
	return nil
}

func (r *hashHistoryRepo) Lookup(ctx context.Context, digest string) (*entity.HashHistoryEntry, error) {
	return lookupDigest(ctx, r.db, digest)
}

func (r *hashHistoryRepo) ListByReceipt(ctx context.Context, receiptID int64) ([]*entity.HashHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+hashHistoryColumns+` FROM receipt_hash_history
		 WHERE original_receipt_id = $1 ORDER BY id`, receiptID)
	if err != nil {
		r.logger.Error("failed to list digests for receipt", "receipt_id", receiptID, "error", err)
		return nil, err
	}
	return scanHashHistoryRows(rows)
}

func (r *hashHistoryRepo) List(ctx context.Context, offset, limit int) ([]*entity.HashHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+hashHistoryColumns+` FROM receipt_hash_history
		 ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		r.logger.Error("failed to list digests", "error", err)
		return nil, err
	}
	return scanHashHistoryRows(rows)
}

func (r *hashHistoryRepo) Stats(ctx context.Context) (entity.LedgerStats, error) {
	var stats entity.LedgerStats
	err := r.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN retired_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retired_at IS NULL THEN 0 ELSE 1 END), 0)
		 FROM receipt_hash_history`).Scan(&stats.Active, &stats.Retired)
	if err != nil {
		r.logger.Error("failed to compute ledger stats", "error", err)
		return stats, err
	}
	return stats, nil
}

func recordDigest(ctx context.Context, q querier, digest string, originalReceiptID *int64, at time.Time) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO receipt_hash_history (content_hash, original_receipt_id, uploaded_at)
		 VALUES ($1, $2, $3) RETURNING id`,
		digest, nullInt64(originalReceiptID), at).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", common.ErrDuplicateDigest, digest)
		}
		return 0, fmt.Errorf("insert digest: %w", err)
	}
	return id, nil
}

func retireDigest(ctx context.Context, q querier, digest string, reason constants.RetirementReason, at time.Time) error {
	if !reason.Valid() {
		return common.InvalidInputf("unknown retirement reason %q", reason)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE receipt_hash_history SET retired_at = $1, retirement_reason = $2
		 WHERE content_hash = $3 AND retired_at IS NULL`,
		at, string(reason), digest)
	if err != nil {
		return fmt.Errorf("retire digest: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	// already retired is fine, never recorded is not
	if _, err := lookupDigest(ctx, q, digest); err != nil {
		return err
	}
	return nil
}

func lookupDigest(ctx context.Context, q querier, digest string) (*entity.HashHistoryEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+hashHistoryColumns+` FROM receipt_hash_history WHERE content_hash = $1`, digest)
	e, err := scanHashHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: digest %s", common.ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup digest: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHashHistory(row rowScanner) (*entity.HashHistoryEntry, error) {
	var (
		e       entity.HashHistoryEntry
		origin  sql.NullInt64
		retired sql.NullTime
		reason  sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ContentHash, &origin, &e.UploadedAt, &retired, &reason); err != nil {
		return nil, err
	}
	e.OriginalReceiptID = int64Ptr(origin)
	e.RetiredAt = timePtr(retired)
	if reason.Valid {
		rr := constants.RetirementReason(reason.String)
		e.RetirementReason = &rr
	}
	return &e, nil
}

func scanHashHistoryRows(rows *sql.Rows) ([]*entity.HashHistoryEntry, error) {
	defer rows.Close()
	var out []*entity.HashHistoryEntry
	for rows.Next() {
		e, err := scanHashHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func utcNow() time.Time {
	return time.Now().UTC()
}
