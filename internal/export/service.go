package export

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
	"github.com/joseph-ayodele/receipts-ledger/internal/repository"
)

const (
	SheetReceipts     = "Receipts"
	SheetHashHistory  = "HashHistory"
	SheetTransactions = "Transactions"

	pageSize = 500
)

// Service is a tiny façade over repositories that produces XLSX bytes for audits.
type Service struct {
	receiptsRepo repository.ReceiptRepository
	ledger       repository.HashHistoryRepository
	txRepo       repository.TransactionRepository
	logger       *slog.Logger
}

func NewService(receiptsRepo repository.ReceiptRepository, ledger repository.HashHistoryRepository,
	txRepo repository.TransactionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{receiptsRepo: receiptsRepo, ledger: ledger, txRepo: txRepo, logger: logger}
}

// AuditXLSX returns a workbook with the user's receipts and transactions plus the whole
// hash history ledger. Ledger entries carry no owner, so that sheet is not filtered.
func (s *Service) AuditXLSX(ctx context.Context, userID int64) ([]byte, error) {
	start := time.Now()

	recs, err := s.userReceipts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	history, err := s.allHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("query hash history: %w", err)
	}
	txs, err := s.txRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	// the default sheet becomes Receipts
	if err := f.SetSheetName("Sheet1", SheetReceipts); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetHashHistory, SheetTransactions} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	receiptRows := make([][]any, 0, len(recs))
	for _, r := range recs {
		receiptRows = append(receiptRows, []any{
			r.ID, r.CreatedAt.Format(time.RFC3339), r.ContentType, r.ContentLength, r.ContentHash, r.Rotation, r.MergeCount,
		})
	}
	if err := writeSheet(f, SheetReceipts,
		[]string{"Receipt ID", "Uploaded", "Content Type", "Bytes", "Digest", "Rotation", "Merge Count"},
		receiptRows); err != nil {
		return nil, err
	}

	historyRows := make([][]any, 0, len(history))
	for _, h := range history {
		origin, retired, reason := "", "", ""
		if h.OriginalReceiptID != nil {
			origin = strconv.FormatInt(*h.OriginalReceiptID, 10)
		}
		if h.RetiredAt != nil {
			retired = h.RetiredAt.Format(time.RFC3339)
		}
		if h.RetirementReason != nil {
			reason = string(*h.RetirementReason)
		}
		historyRows = append(historyRows, []any{h.ContentHash, origin, h.UploadedAt.Format(time.RFC3339), retired, reason})
	}
	if err := writeSheet(f, SheetHashHistory,
		[]string{"Digest", "Original Receipt", "Uploaded", "Retired", "Reason"},
		historyRows); err != nil {
		return nil, err
	}

	txRows := make([][]any, 0, len(txs))
	for _, t := range txs {
		receipt := ""
		if t.ReceiptID != nil {
			receipt = strconv.FormatInt(*t.ReceiptID, 10)
		}
		notes := ""
		if t.Notes != nil {
			notes = truncate(*t.Notes, 140)
		}
		txRows = append(txRows, []any{
			t.ID, t.Timestamp.Format("2006-01-02"), t.Vendor, len(t.LineItems), t.Total().StringFixed(2), receipt, notes,
		})
	}
	if err := writeSheet(f, SheetTransactions,
		[]string{"Transaction ID", "Date", "Vendor", "Line Items", "Total", "Receipt ID", "Notes"},
		txRows); err != nil {
		return nil, err
	}

	// Widen a few columns
	_ = f.SetColWidth(SheetReceipts, "B", "C", 22)
	_ = f.SetColWidth(SheetReceipts, "E", "E", 68) // digest
	_ = f.SetColWidth(SheetHashHistory, "A", "A", 68)
	_ = f.SetColWidth(SheetHashHistory, "C", "D", 22)
	_ = f.SetColWidth(SheetTransactions, "C", "C", 28)
	_ = f.SetColWidth(SheetTransactions, "G", "G", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"user_id", userID,
		"receipts", len(recs),
		"ledger_entries", len(history),
		"transactions", len(txs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) userReceipts(ctx context.Context, userID int64) ([]*entity.Receipt, error) {
	var out []*entity.Receipt
	for offset := 0; ; offset += pageSize {
		page, err := s.receiptsRepo.ListRecent(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if r.UserID == userID {
				out = append(out, r)
			}
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (s *Service) allHistory(ctx context.Context) ([]*entity.HashHistoryEntry, error) {
	var out []*entity.HashHistoryEntry
	for offset := 0; ; offset += pageSize {
		page, err := s.ledger.List(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
