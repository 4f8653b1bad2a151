package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput          = errors.New("escrow: invalid input")
	ErrNotFound              = errors.New("escrow: contract not found")
	ErrNotOfficial           = errors.New("escrow: only officials can approve this escrow")
	ErrNotBeneficiary        = errors.New("escrow: only the beneficiary can release funds")
	ErrNotDepositor          = errors.New("escrow: only the depositor can refund")
	ErrAlreadyApproved       = errors.New("escrow: already approved")
	ErrInvalidState          = errors.New("escrow: contract is not pending")
	ErrDeadlinePassed        = errors.New("escrow: release deadline has passed")
	ErrDeadlineNotReached    = errors.New("escrow: deadline has not passed yet, refund only allowed after deadline")
	ErrInsufficientApprovals = errors.New("escrow: insufficient approvals")
	ErrQuorumMet             = errors.New("escrow: sufficient approvals received")
	ErrStoreUnavailable      = errors.New("escrow: store unavailable")
)

// InvalidStateError reports the current status of a contract that was not in
// the required pending state. It matches ErrInvalidState under errors.Is.
type InvalidStateError struct {
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("escrow: contract is %s", e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ApprovalShortfallError carries the approval counts behind a failed quorum
// check so callers can render a precise message. It matches
// ErrInsufficientApprovals under errors.Is.
type ApprovalShortfallError struct {
	Current  int
	Required int
}

func (e *ApprovalShortfallError) Error() string {
	return fmt.Sprintf("escrow: insufficient approvals: %d/%d", e.Current, e.Required)
}

func (e *ApprovalShortfallError) Unwrap() error { return ErrInsufficientApprovals }
