package entity

import "time"

// Receipt represents one stored receipt document for data transfer between layers.
type Receipt struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	ContentHash   string    `json:"content_hash"`
	Rotation      int       `json:"rotation"`
	MergeCount    int       `json:"merge_count"`
}

// ReceiptPage is one page of the newest-first receipt listing.
type ReceiptPage struct {
	NextOffset *int      `json:"next_offset"`
	Items      []Receipt `json:"items"`
}
