package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ContractMutation is the snapshot handed to UpdateContract closures. The
// store loads contract and officials, the closure mutates them, and the store
// persists the result together with the optional audit entry in one atomic
// section. No reader may observe the contract without the closure's
// recomputed approval count.
type ContractMutation struct {
	Contract  *Contract
	Officials []*Official
	Audit     *TransactionRecord
}

// Storage is the persistence collaborator consumed by the engine. UpdateContract
// must provide per-contract serializability: two concurrent closures for the
// same contract id never interleave their read and write. Implementations
// wrap infrastructure failures in ErrStoreUnavailable and report missing
// contracts with ErrNotFound.
type Storage interface {
	CreateContract(ctx context.Context, contract *Contract, officials []*Official, audit *TransactionRecord) error
	GetContract(ctx context.Context, contractID string) (*Contract, error)
	GetOfficials(ctx context.Context, contractID string) ([]*Official, error)
	UpdateContract(ctx context.Context, contractID string, fn func(*ContractMutation) error) error
	ListContracts(ctx context.Context) ([]*Contract, error)
	ListContractsForUser(ctx context.Context, userID int64) ([]*Contract, error)
	TransactionHistory(ctx context.Context, contractID string) ([]*TransactionRecord, error)
}

// ContractDetails is the read-path view of one contract: the stored record,
// its official roster, and the derived labels.
type ContractDetails struct {
	Contract      *Contract
	Officials     []*Official
	DerivedStatus Status
	Stuck         bool
}

// Engine enforces the escrow contract lifecycle: approval uniqueness,
// transition guards, and the derived approval counter. It is the sole writer
// of contract status and official approval flags.
type Engine struct {
	store   Storage
	emitter Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// NewEngine creates an engine bound to the supplied storage with a no-op
// emitter. Callers can override the emitter via SetEmitter.
func NewEngine(store Storage) *Engine {
	return &Engine{
		store:   store,
		emitter: NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the millisecond time source used for deadline guards.
// Primarily intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the post-transition event emitter. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		e.logger = slog.Default()
		return
	}
	e.logger = logger
}

func (e *Engine) emit(evt Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().UnixMilli()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return fmt.Errorf("%w: engine state not configured", ErrStoreUnavailable)
	}
	return nil
}

// Lock creates a new escrow contract in the pending state together with its
// official roster and the opening audit entry. Returns the stored contract.
func (e *Engine) Lock(ctx context.Context, depositorID, beneficiaryID int64, officialIDs []int64, amount int64, requiredApprovals int, deadlineMs int64, description string) (*Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ids := dedupeOfficialIDs(officialIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one official required", ErrInvalidInput)
	}
	if requiredApprovals > len(ids) {
		return nil, fmt.Errorf("%w: required approvals %d exceed official count %d", ErrInvalidInput, requiredApprovals, len(ids))
	}
	now := e.now()
	contract := &Contract{
		ContractID:        uuid.NewString(),
		DepositorID:       depositorID,
		BeneficiaryID:     beneficiaryID,
		Amount:            amount,
		RequiredApprovals: requiredApprovals,
		CurrentApprovals:  0,
		DeadlineMs:        deadlineMs,
		Status:            StatusPending,
		Description:       description,
	}
	sanitized, err := SanitizeContract(contract)
	if err != nil {
		return nil, err
	}
	officials := make([]*Official, 0, len(ids))
	for _, id := range ids {
		officials = append(officials, &Official{
			ContractID:  sanitized.ContractID,
			OfficialID:  id,
			HasApproved: false,
		})
	}
	audit := &TransactionRecord{
		ContractID:  sanitized.ContractID,
		Type:        TxTypeLock,
		InitiatedBy: depositorID,
		Details:     fmt.Sprintf("Depositor locked %d ADA", amount),
		CreatedAt:   time.UnixMilli(now).UTC(),
	}
	if err := e.store.CreateContract(ctx, sanitized, officials, audit); err != nil {
		return nil, err
	}
	e.emit(NewLockedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Approve records the caller's approval on the contract and recomputes the
// cached approval counter inside the same atomic update. The guards run in
// order: contract exists, caller is a registered official, caller has not
// already approved, contract is still pending. Approval carries no deadline
// guard; only release and refund are time-gated.
func (e *Engine) Approve(ctx context.Context, contractID string, callerID int64) (*Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var updated *Contract
	err := e.store.UpdateContract(ctx, contractID, func(m *ContractMutation) error {
		var official *Official
		for _, o := range m.Officials {
			if o.OfficialID == callerID {
				official = o
				break
			}
		}
		if official == nil {
			return ErrNotOfficial
		}
		if official.HasApproved {
			return ErrAlreadyApproved
		}
		if m.Contract.Status != StatusPending {
			return &InvalidStateError{Status: m.Contract.Status}
		}
		now := time.UnixMilli(e.now()).UTC()
		official.HasApproved = true
		official.ApprovalTimestamp = &now
		m.Contract.CurrentApprovals = CountApproved(m.Officials)
		m.Audit = &TransactionRecord{
			ContractID:  contractID,
			Type:        TxTypeApprove,
			InitiatedBy: callerID,
			Details:     fmt.Sprintf("Official approved (%d/%d)", m.Contract.CurrentApprovals, m.Contract.RequiredApprovals),
			CreatedAt:   now,
		}
		updated = m.Contract.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewApprovedEvent(updated, callerID))
	return updated, nil
}

// Release settles the contract in favour of the beneficiary. Guards in order:
// contract exists, caller is the beneficiary, status pending, deadline not
// passed, quorum met. The status write is a compare-and-swap on pending, so a
// raced refund observes InvalidState.
func (e *Engine) Release(ctx context.Context, contractID string, callerID int64) (*Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var updated *Contract
	err := e.store.UpdateContract(ctx, contractID, func(m *ContractMutation) error {
		c := m.Contract
		if callerID != c.BeneficiaryID {
			return ErrNotBeneficiary
		}
		if c.Status != StatusPending {
			return &InvalidStateError{Status: c.Status}
		}
		now := e.now()
		if now > c.DeadlineMs {
			if c.QuorumMet() {
				e.logger.Warn("release refused past deadline with quorum met; contract unreachable",
					"contractId", c.ContractID,
					"currentApprovals", c.CurrentApprovals,
					"requiredApprovals", c.RequiredApprovals,
				)
			}
			return ErrDeadlinePassed
		}
		if !c.QuorumMet() {
			return &ApprovalShortfallError{Current: c.CurrentApprovals, Required: c.RequiredApprovals}
		}
		c.Status = StatusReleased
		m.Audit = &TransactionRecord{
			ContractID:  contractID,
			Type:        TxTypeRelease,
			InitiatedBy: callerID,
			Details:     "Beneficiary released funds",
			CreatedAt:   time.UnixMilli(now).UTC(),
		}
		updated = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(updated))
	return updated, nil
}

// Refund returns the contract to the depositor. Guards in order: contract
// exists, caller is the depositor, status pending, deadline passed, quorum
// not met. A contract with sufficient approvals can never be refunded, even
// after the deadline.
func (e *Engine) Refund(ctx context.Context, contractID string, callerID int64) (*Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var updated *Contract
	err := e.store.UpdateContract(ctx, contractID, func(m *ContractMutation) error {
		c := m.Contract
		if callerID != c.DepositorID {
			return ErrNotDepositor
		}
		if c.Status != StatusPending {
			return &InvalidStateError{Status: c.Status}
		}
		now := e.now()
		if now < c.DeadlineMs {
			return ErrDeadlineNotReached
		}
		if c.QuorumMet() {
			return ErrQuorumMet
		}
		c.Status = StatusRefunded
		m.Audit = &TransactionRecord{
			ContractID:  contractID,
			Type:        TxTypeRefund,
			InitiatedBy: callerID,
			Details:     "Depositor refunded funds after deadline",
			CreatedAt:   time.UnixMilli(now).UTC(),
		}
		updated = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(updated))
	return updated, nil
}

// GetDetails returns the contract together with its official roster and the
// derived labels. Pure read, no guards.
func (e *Engine) GetDetails(ctx context.Context, contractID string) (*ContractDetails, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	contract, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	officials, err := e.store.GetOfficials(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return &ContractDetails{
		Contract:      contract,
		Officials:     officials,
		DerivedStatus: contract.DerivedStatus(),
		Stuck:         contract.Stuck(e.now()),
	}, nil
}

// TransactionHistory returns the audit entries for a contract ordered by
// creation.
func (e *Engine) TransactionHistory(ctx context.Context, contractID string) ([]*TransactionRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.TransactionHistory(ctx, contractID)
}

// ListForUser returns contracts where the user is depositor or beneficiary.
func (e *Engine) ListForUser(ctx context.Context, userID int64) ([]*Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListContractsForUser(ctx, userID)
}

// ListAll returns every stored contract for dashboard views.
func (e *Engine) ListAll(ctx context.Context) ([]*Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListContracts(ctx)
}
