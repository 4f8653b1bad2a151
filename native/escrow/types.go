package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the stored lifecycle states of an escrow contract.
// "approved" is a derived, view-only label and is never persisted; a pending
// contract whose quorum is met reports it through DerivedStatus.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"

	// StatusApproved is the derived label for a pending contract with quorum
	// met. It exists only on the read path.
	StatusApproved Status = "approved"
)

// Valid reports whether the status is a storable value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// TransactionType enumerates the audit log entry kinds.
type TransactionType string

const (
	TxTypeLock    TransactionType = "lock"
	TxTypeApprove TransactionType = "approve"
	TxTypeRelease TransactionType = "release"
	TxTypeRefund  TransactionType = "refund"
)

// Valid reports whether the transaction type is a supported value.
func (t TransactionType) Valid() bool {
	switch t {
	case TxTypeLock, TxTypeApprove, TxTypeRelease, TxTypeRefund:
		return true
	default:
		return false
	}
}

// Contract captures one multi-signature escrow agreement. Identity and terms
// are immutable after creation; only Status and the derived CurrentApprovals
// counter change, and the engine is their sole writer.
type Contract struct {
	ContractID        string
	DepositorID       int64
	BeneficiaryID     int64
	Amount            int64
	RequiredApprovals int
	CurrentApprovals  int
	DeadlineMs        int64
	Status            Status
	Description       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a copy of the contract so callers can safely mutate the copy
// without affecting the stored instance.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// QuorumMet reports whether the approval quorum has been reached.
func (c *Contract) QuorumMet() bool {
	return c != nil && c.CurrentApprovals >= c.RequiredApprovals
}

// DerivedStatus maps a pending contract with quorum met to the view-only
// "approved" label. Stored statuses pass through unchanged.
func (c *Contract) DerivedStatus() Status {
	if c == nil {
		return ""
	}
	if c.Status == StatusPending && c.QuorumMet() {
		return StatusApproved
	}
	return c.Status
}

// Stuck reports whether the contract sits in the unreleasable window: still
// pending, deadline elapsed, quorum met. Release is refused by the deadline
// guard and refund by the quorum guard, so neither party can move the
// contract. Surfaced on the read path rather than silently patched.
func (c *Contract) Stuck(nowMs int64) bool {
	if c == nil {
		return false
	}
	return c.Status == StatusPending && nowMs > c.DeadlineMs && c.QuorumMet()
}

// Official records one official's standing on one contract. The
// (ContractID, OfficialID) pair is unique and the row set is fixed at lock
// time. HasApproved flips to true exactly once.
type Official struct {
	ContractID        string
	OfficialID        int64
	HasApproved       bool
	ApprovalTimestamp *time.Time
	CreatedAt         time.Time
}

// Clone returns a copy of the official record.
func (o *Official) Clone() *Official {
	if o == nil {
		return nil
	}
	clone := *o
	if o.ApprovalTimestamp != nil {
		ts := *o.ApprovalTimestamp
		clone.ApprovalTimestamp = &ts
	}
	return &clone
}

// CloneOfficials deep copies a slice of official records.
func CloneOfficials(officials []*Official) []*Official {
	if officials == nil {
		return nil
	}
	out := make([]*Official, len(officials))
	for i, o := range officials {
		out[i] = o.Clone()
	}
	return out
}

// CountApproved returns the number of officials with an approval on record.
// The engine recomputes Contract.CurrentApprovals from this inside the same
// atomic section as any approval write.
func CountApproved(officials []*Official) int {
	count := 0
	for _, o := range officials {
		if o != nil && o.HasApproved {
			count++
		}
	}
	return count
}

// TransactionRecord is one immutable audit log entry. Entries are append-only
// and their creation order defines the canonical history.
type TransactionRecord struct {
	Sequence    int64
	ContractID  string
	Type        TransactionType
	InitiatedBy int64
	Details     string
	TxHash      string
	CreatedAt   time.Time
}

// Clone returns a copy of the audit record.
func (t *TransactionRecord) Clone() *TransactionRecord {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// SanitizeContract validates the supplied contract definition and returns a
// cloned instance. The function does not mutate the original value.
func SanitizeContract(c *Contract) (*Contract, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil contract", ErrInvalidInput)
	}
	clone := c.Clone()
	clone.ContractID = strings.TrimSpace(clone.ContractID)
	if clone.ContractID == "" {
		return nil, fmt.Errorf("%w: contract id required", ErrInvalidInput)
	}
	if clone.DepositorID == clone.BeneficiaryID {
		return nil, fmt.Errorf("%w: depositor and beneficiary must differ", ErrInvalidInput)
	}
	if clone.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidInput)
	}
	if clone.RequiredApprovals < 1 {
		return nil, fmt.Errorf("%w: required approvals must be at least 1", ErrInvalidInput)
	}
	if clone.CurrentApprovals < 0 {
		return nil, fmt.Errorf("%w: negative approval count", ErrInvalidInput)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrInvalidInput, clone.Status)
	}
	return clone, nil
}

func dedupeOfficialIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
