package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a user's expense record that may reference one receipt.
type Transaction struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	Timestamp time.Time  `json:"timestamp"`
	Vendor    string     `json:"vendor"`
	Notes     *string    `json:"notes,omitempty"`
	ReceiptID *int64     `json:"receipt_id,omitempty"`
	LineItems []LineItem `json:"line_items"`
}

// LineItem is a single amount within a transaction.
type LineItem struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	AmountInput string          `json:"amount_input"`
	Notes       *string         `json:"notes,omitempty"`
	CategoryID  *int64          `json:"category_id,omitempty"`
}

// Total sums the line item amounts.
func (t *Transaction) Total() decimal.Decimal {
	total := decimal.Zero
	for _, li := range t.LineItems {
		total = total.Add(li.Amount)
	}
	return total
}
