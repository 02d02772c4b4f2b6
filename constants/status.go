package constants

// RetirementReason records why a digest was retired in the hash history ledger.
type RetirementReason string

// Stable values (store these exact strings in DB).
const (
	ReasonDeletedByUser RetirementReason = "deleted_by_user"
	ReasonMerged        RetirementReason = "merged"
)

// Valid reports whether r is one of the known reasons.
func (r RetirementReason) Valid() bool {
	switch r {
	case ReasonDeletedByUser, ReasonMerged:
		return true
	}
	return false
}

// SourceType selects how a merge request names its source receipt.
type SourceType string

const (
	SourceReceipt     SourceType = "receipt"
	SourceTransaction SourceType = "transaction"
)
