package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowd/native/escrow"
)

// Store is the durable escrow.Storage implementation backed by GORM. A
// per-contract mutex serializes UpdateContract closures in-process; on
// postgres the contract row is additionally locked FOR UPDATE so concurrent
// processes cannot interleave either.
type Store struct {
	db       *gorm.DB
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	rowLocks bool
}

// Open initialises the backing store. Supported drivers are "sqlite"
// (default) and "postgres".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("%w: sqlite dsn must be configured", escrow.ErrStoreUnavailable)
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", escrow.ErrStoreUnavailable, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrStoreUnavailable, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrStoreUnavailable, err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already opened and migrated gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		locks:    make(map[string]*sync.Mutex),
		rowLocks: db != nil && db.Dialector.Name() == "postgres",
	}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) contractLock(contractID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[contractID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[contractID] = lock
	}
	return lock
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return escrow.ErrNotFound
	}
	return fmt.Errorf("%w: %v", escrow.ErrStoreUnavailable, err)
}

// CreateContract persists the contract, its official roster, and the opening
// audit entry in one transaction.
func (s *Store) CreateContract(ctx context.Context, contract *escrow.Contract, officials []*escrow.Official, audit *escrow.TransactionRecord) error {
	sanitized, err := escrow.SanitizeContract(contract)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &ContractRow{
			ContractID:        sanitized.ContractID,
			DepositorID:       sanitized.DepositorID,
			BeneficiaryID:     sanitized.BeneficiaryID,
			Amount:            sanitized.Amount,
			RequiredApprovals: sanitized.RequiredApprovals,
			CurrentApprovals:  sanitized.CurrentApprovals,
			DeadlineMs:        sanitized.DeadlineMs,
			Status:            string(sanitized.Status),
			Description:       sanitized.Description,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(row).Error; err != nil {
			return storeErr(err)
		}
		for _, o := range officials {
			officialRow := &OfficialRow{
				ContractID:  sanitized.ContractID,
				OfficialID:  o.OfficialID,
				HasApproved: o.HasApproved,
				CreatedAt:   now,
			}
			if err := tx.Create(officialRow).Error; err != nil {
				return storeErr(err)
			}
		}
		if audit != nil {
			if err := insertAudit(tx, audit, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetContract returns the stored contract or escrow.ErrNotFound.
func (s *Store) GetContract(ctx context.Context, contractID string) (*escrow.Contract, error) {
	var row ContractRow
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).First(&row).Error; err != nil {
		return nil, storeErr(err)
	}
	return contractFromRow(&row), nil
}

// GetOfficials returns the official roster for a contract in creation order.
func (s *Store) GetOfficials(ctx context.Context, contractID string) ([]*escrow.Official, error) {
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	var rows []OfficialRow
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).Order("id").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*escrow.Official, 0, len(rows))
	for i := range rows {
		out = append(out, officialFromRow(&rows[i]))
	}
	return out, nil
}

// UpdateContract runs the closure against a freshly read contract snapshot
// inside a transaction and persists the mutated contract, officials, and
// optional audit entry together. Closure errors roll the transaction back
// untouched.
func (s *Store) UpdateContract(ctx context.Context, contractID string, fn func(*escrow.ContractMutation) error) error {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if s.rowLocks {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row ContractRow
		if err := query.Where("contract_id = ?", contractID).First(&row).Error; err != nil {
			return storeErr(err)
		}
		var officialRows []OfficialRow
		if err := tx.Where("contract_id = ?", contractID).Order("id").Find(&officialRows).Error; err != nil {
			return storeErr(err)
		}

		mutation := escrow.ContractMutation{
			Contract:  contractFromRow(&row),
			Officials: make([]*escrow.Official, 0, len(officialRows)),
		}
		for i := range officialRows {
			mutation.Officials = append(mutation.Officials, officialFromRow(&officialRows[i]))
		}

		if err := fn(&mutation); err != nil {
			return err
		}
		sanitized, err := escrow.SanitizeContract(mutation.Contract)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":            string(sanitized.Status),
			"current_approvals": sanitized.CurrentApprovals,
			"updated_at":        now,
		}
		if err := tx.Model(&ContractRow{}).Where("contract_id = ?", contractID).Updates(updates).Error; err != nil {
			return storeErr(err)
		}
		for _, official := range mutation.Officials {
			res := tx.Model(&OfficialRow{}).
				Where("contract_id = ? AND official_id = ?", contractID, official.OfficialID).
				Updates(map[string]any{
					"has_approved":       official.HasApproved,
					"approval_timestamp": official.ApprovalTimestamp,
				})
			if res.Error != nil {
				return storeErr(res.Error)
			}
		}
		if mutation.Audit != nil {
			if err := insertAudit(tx, mutation.Audit, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListContracts returns every stored contract in creation order.
func (s *Store) ListContracts(ctx context.Context) ([]*escrow.Contract, error) {
	var rows []ContractRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*escrow.Contract, 0, len(rows))
	for i := range rows {
		out = append(out, contractFromRow(&rows[i]))
	}
	return out, nil
}

// ListContractsForUser returns contracts where the user participates as
// depositor or beneficiary.
func (s *Store) ListContractsForUser(ctx context.Context, userID int64) ([]*escrow.Contract, error) {
	var rows []ContractRow
	if err := s.db.WithContext(ctx).
		Where("depositor_id = ? OR beneficiary_id = ?", userID, userID).
		Order("id").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*escrow.Contract, 0, len(rows))
	for i := range rows {
		out = append(out, contractFromRow(&rows[i]))
	}
	return out, nil
}

// TransactionHistory returns the audit entries for a contract ordered by
// creation.
func (s *Store) TransactionHistory(ctx context.Context, contractID string) ([]*escrow.TransactionRecord, error) {
	var rows []TransactionRow
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).Order("id").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*escrow.TransactionRecord, 0, len(rows))
	for i := range rows {
		out = append(out, recordFromRow(&rows[i]))
	}
	return out, nil
}

// StoredResponse is a cached gateway response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   string
}

// LookupIdempotency returns the cached response for a key, if any.
func (s *Store) LookupIdempotency(ctx context.Context, key string) (*StoredResponse, bool, error) {
	var record IdempotencyKey
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr(err)
	}
	return &StoredResponse{Status: record.Status, Body: record.Response}, true, nil
}

// SaveIdempotency records the response served for an idempotency key.
func (s *Store) SaveIdempotency(ctx context.Context, key, method, path string, status int, body string) error {
	record := IdempotencyKey{
		Key:       key,
		Method:    method,
		Path:      path,
		Status:    status,
		Response:  body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return storeErr(err)
	}
	return nil
}

func insertAudit(tx *gorm.DB, entry *escrow.TransactionRecord, now time.Time) error {
	if !entry.Type.Valid() {
		return fmt.Errorf("%w: invalid transaction type %q", escrow.ErrInvalidInput, entry.Type)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	row := &TransactionRow{
		ContractID:      entry.ContractID,
		TransactionType: string(entry.Type),
		InitiatedBy:     entry.InitiatedBy,
		Details:         entry.Details,
		TxHash:          entry.TxHash,
		CreatedAt:       createdAt,
	}
	if err := tx.Create(row).Error; err != nil {
		return storeErr(err)
	}
	return nil
}
