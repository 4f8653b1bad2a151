package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the reference Storage implementation. Per-contract mutexes
// serialize UpdateContract closures so two commands on the same contract
// never interleave their read and write; contracts are stored and returned
// as clones so callers cannot alias internal state.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
	officials map[string][]*Official
	log       []*TransactionRecord
	locks     map[string]*sync.Mutex
	sequence  int64
	nowFn     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
		officials: make(map[string][]*Official),
		locks:     make(map[string]*sync.Mutex),
		nowFn:     time.Now,
	}
}

func (s *MemoryStore) now() time.Time {
	if s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

func (s *MemoryStore) contractLock(contractID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[contractID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[contractID] = lock
	}
	return lock
}

// CreateContract persists the contract, its official roster, and the opening
// audit entry as one unit.
func (s *MemoryStore) CreateContract(ctx context.Context, contract *Contract, officials []*Official, audit *TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sanitized, err := SanitizeContract(contract)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[sanitized.ContractID]; exists {
		return fmt.Errorf("%w: contract %s already exists", ErrInvalidInput, sanitized.ContractID)
	}
	now := s.now()
	sanitized.CreatedAt = now
	sanitized.UpdatedAt = now
	s.contracts[sanitized.ContractID] = sanitized
	roster := make([]*Official, 0, len(officials))
	for _, o := range officials {
		clone := o.Clone()
		clone.ContractID = sanitized.ContractID
		clone.CreatedAt = now
		roster = append(roster, clone)
	}
	s.officials[sanitized.ContractID] = roster
	if audit != nil {
		s.appendLogLocked(audit, now)
	}
	return nil
}

// GetContract returns a clone of the stored contract.
func (s *MemoryStore) GetContract(ctx context.Context, contractID string) (*Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	contract, ok := s.contracts[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	return contract.Clone(), nil
}

// GetOfficials returns clones of the official roster for a contract.
func (s *MemoryStore) GetOfficials(ctx context.Context, contractID string) ([]*Official, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.contracts[contractID]; !ok {
		return nil, ErrNotFound
	}
	return CloneOfficials(s.officials[contractID]), nil
}

// UpdateContract runs the closure under the contract's mutex and persists the
// mutated contract, officials, and optional audit entry together.
func (s *MemoryStore) UpdateContract(ctx context.Context, contractID string, fn func(*ContractMutation) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	stored, ok := s.contracts[contractID]
	var mutation ContractMutation
	if ok {
		mutation = ContractMutation{
			Contract:  stored.Clone(),
			Officials: CloneOfficials(s.officials[contractID]),
		}
	}
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := fn(&mutation); err != nil {
		return err
	}
	sanitized, err := SanitizeContract(mutation.Contract)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sanitized.UpdatedAt = now
	s.contracts[contractID] = sanitized
	s.officials[contractID] = CloneOfficials(mutation.Officials)
	if mutation.Audit != nil {
		s.appendLogLocked(mutation.Audit, now)
	}
	return nil
}

// ListContracts returns clones of every stored contract ordered by creation.
func (s *MemoryStore) ListContracts(ctx context.Context) ([]*Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListContractsForUser returns contracts where the user participates as
// depositor or beneficiary.
func (s *MemoryStore) ListContractsForUser(ctx context.Context, userID int64) ([]*Contract, error) {
	all, err := s.ListContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Contract, 0, len(all))
	for _, c := range all {
		if c.DepositorID == userID || c.BeneficiaryID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

// TransactionHistory returns audit entries for a contract in append order.
func (s *MemoryStore) TransactionHistory(ctx context.Context, contractID string) ([]*TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TransactionRecord, 0)
	for _, entry := range s.log {
		if entry.ContractID == contractID {
			out = append(out, entry.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) appendLogLocked(entry *TransactionRecord, now time.Time) {
	s.sequence++
	clone := entry.Clone()
	clone.Sequence = s.sequence
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	s.log = append(s.log, clone)
}
