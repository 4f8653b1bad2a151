package storage

import (
	"time"

	"gorm.io/gorm"

	"escrowd/native/escrow"
)

// ContractRow is the persisted form of an escrow contract.
type ContractRow struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	ContractID        string `gorm:"uniqueIndex;size:64;not null"`
	DepositorID       int64  `gorm:"index;not null"`
	BeneficiaryID     int64  `gorm:"index;not null"`
	Amount            int64  `gorm:"not null"`
	RequiredApprovals int    `gorm:"not null"`
	CurrentApprovals  int    `gorm:"not null;default:0"`
	DeadlineMs        int64  `gorm:"not null"`
	Status            string `gorm:"size:16;index;not null"`
	Description       string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName keeps the original schema's table naming.
func (ContractRow) TableName() string { return "escrow_contracts" }

// OfficialRow tracks one official's approval standing on one contract. The
// (contract_id, official_id) pair is unique.
type OfficialRow struct {
	ID                int64      `gorm:"primaryKey;autoIncrement"`
	ContractID        string     `gorm:"size:64;not null;uniqueIndex:idx_contract_official"`
	OfficialID        int64      `gorm:"not null;uniqueIndex:idx_contract_official"`
	HasApproved       bool       `gorm:"not null;default:false"`
	ApprovalTimestamp *time.Time ``
	CreatedAt         time.Time
}

func (OfficialRow) TableName() string { return "escrow_officials" }

// TransactionRow is one append-only audit log entry. The auto-increment id is
// the canonical ordering.
type TransactionRow struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	ContractID      string `gorm:"size:64;index;not null"`
	TransactionType string `gorm:"size:16;not null"`
	InitiatedBy     int64  `gorm:"not null"`
	Details         string `gorm:"type:text"`
	TxHash          string `gorm:"size:256"`
	CreatedAt       time.Time
}

func (TransactionRow) TableName() string { return "transaction_history" }

// IdempotencyKey stores request idempotency metadata for the gateway.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ContractRow{},
		&OfficialRow{},
		&TransactionRow{},
		&IdempotencyKey{},
	)
}

func contractFromRow(row *ContractRow) *escrow.Contract {
	if row == nil {
		return nil
	}
	return &escrow.Contract{
		ContractID:        row.ContractID,
		DepositorID:       row.DepositorID,
		BeneficiaryID:     row.BeneficiaryID,
		Amount:            row.Amount,
		RequiredApprovals: row.RequiredApprovals,
		CurrentApprovals:  row.CurrentApprovals,
		DeadlineMs:        row.DeadlineMs,
		Status:            escrow.Status(row.Status),
		Description:       row.Description,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

func officialFromRow(row *OfficialRow) *escrow.Official {
	if row == nil {
		return nil
	}
	official := &escrow.Official{
		ContractID:  row.ContractID,
		OfficialID:  row.OfficialID,
		HasApproved: row.HasApproved,
		CreatedAt:   row.CreatedAt,
	}
	if row.ApprovalTimestamp != nil {
		ts := *row.ApprovalTimestamp
		official.ApprovalTimestamp = &ts
	}
	return official
}

func recordFromRow(row *TransactionRow) *escrow.TransactionRecord {
	if row == nil {
		return nil
	}
	return &escrow.TransactionRecord{
		Sequence:    row.ID,
		ContractID:  row.ContractID,
		Type:        escrow.TransactionType(row.TransactionType),
		InitiatedBy: row.InitiatedBy,
		Details:     row.Details,
		TxHash:      row.TxHash,
		CreatedAt:   row.CreatedAt,
	}
}
