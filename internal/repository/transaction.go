package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
)

// TransactionRepository reads the transactions that reference receipts.
type TransactionRepository interface {
	Get(ctx context.Context, id int64) (*entity.Transaction, error)
	Create(ctx context.Context, t *entity.Transaction) (*entity.Transaction, error)
	ListByUser(ctx context.Context, userID int64) ([]*entity.Transaction, error)
}

type transactionRepo struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewTransactionRepository(db *sql.DB, logger *slog.Logger) TransactionRepository {
	return &transactionRepo{
		db:     db,
		now:    utcNow,
		logger: logger,
	}
}

const transactionColumns = `id, user_id, created_at, timestamp, vendor, notes, receipt_id`

func (r *transactionRepo) Get(ctx context.Context, id int64) (*entity.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %d", common.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get transaction", "id", id, "error", err)
		return nil, err
	}
	if t.LineItems, err = r.lineItems(ctx, r.db, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *transactionRepo) Create(ctx context.Context, t *entity.Transaction) (*entity.Transaction, error) {
	v := common.NewValidator()
	v.Field("user_id", t.UserID, common.Positive)
	v.Field("vendor", t.Vendor, common.Required)
	if err := v.Err(common.CodeInvalidInput); err != nil {
		return nil, err
	}

	var out *entity.Transaction
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		ts := t.Timestamp
		if ts.IsZero() {
			ts = r.now()
		}
		row := tx.QueryRowContext(ctx,
			`INSERT INTO transactions (user_id, created_at, timestamp, vendor, notes, receipt_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+transactionColumns,
			t.UserID, r.now(), ts.UTC(), t.Vendor, t.Notes, nullInt64(t.ReceiptID))
		var err error
		out, err = scanTransaction(row)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		for _, li := range t.LineItems {
			var id int64
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO line_items (transaction_id, name, amount, amount_input, notes, category_id)
				 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
				out.ID, li.Name, li.Amount.StringFixed(2), li.AmountInput, li.Notes, nullInt64(li.CategoryID)).Scan(&id); err != nil {
				return fmt.Errorf("insert line item: %w", err)
			}
			li.ID = id
			li.Amount = li.Amount.Round(2)
			out.LineItems = append(out.LineItems, li)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create transaction", "user_id", t.UserID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *transactionRepo) ListByUser(ctx context.Context, userID int64) ([]*entity.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		r.logger.Error("failed to list transactions", "user_id", userID, "error", err)
		return nil, err
	}
	var out []*entity.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// rows must be closed first: sqlite runs on a single connection
	for _, t := range out {
		if t.LineItems, err = r.lineItems(ctx, r.db, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *transactionRepo) lineItems(ctx context.Context, q querier, transactionID int64) ([]entity.LineItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, amount, amount_input, notes, category_id FROM line_items
		 WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		r.logger.Error("failed to list line items", "transaction_id", transactionID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []entity.LineItem
	for rows.Next() {
		var (
			li       entity.LineItem
			amount   decimal.Decimal
			notes    sql.NullString
			category sql.NullInt64
		)
		if err := rows.Scan(&li.ID, &li.Name, &amount, &li.AmountInput, &notes, &category); err != nil {
			return nil, err
		}
		li.Amount = amount
		li.Notes = stringPtr(notes)
		li.CategoryID = int64Ptr(category)
		out = append(out, li)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (*entity.Transaction, error) {
	var (
		t       entity.Transaction
		notes   sql.NullString
		receipt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.CreatedAt, &t.Timestamp, &t.Vendor, &notes, &receipt); err != nil {
		return nil, err
	}
	t.Notes = stringPtr(notes)
	t.ReceiptID = int64Ptr(receipt)
	return &t, nil
}
