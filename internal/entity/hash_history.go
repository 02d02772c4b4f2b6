package entity

import (
	"time"

	"github.com/joseph-ayodele/receipts-ledger/constants"
)

// HashHistoryEntry is one row of the append-only digest ledger.
type HashHistoryEntry struct {
	ID                int64                       `json:"id"`
	ContentHash       string                      `json:"content_hash"`
	OriginalReceiptID *int64                      `json:"original_receipt_id,omitempty"`
	UploadedAt        time.Time                   `json:"uploaded_at"`
	RetiredAt         *time.Time                  `json:"retired_at,omitempty"`
	RetirementReason  *constants.RetirementReason `json:"retirement_reason,omitempty"`
}

// Retired reports whether the digest has been retired.
func (e *HashHistoryEntry) Retired() bool {
	return e.RetiredAt != nil
}

// LedgerStats summarizes the ledger for health reporting.
type LedgerStats struct {
	Active  int64 `json:"active"`
	Retired int64 `json:"retired"`
}
