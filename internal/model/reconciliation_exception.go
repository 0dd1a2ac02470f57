package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ExceptionKind string

const (
	// ExceptionOrphanedConfirmation: gateway confirmed but the terminal had no open session.
	ExceptionOrphanedConfirmation ExceptionKind = "ORPHANED_CONFIRMATION"
	// ExceptionLateConfirmation: gateway confirmed after the request was cancelled or timed out.
	ExceptionLateConfirmation ExceptionKind = "LATE_CONFIRMATION"
)

type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "OPEN"
	ExceptionResolved ExceptionStatus = "RESOLVED"
)

// ReconciliationException flags money the gateway moved that the ledger could
// not absorb. Unique per (settlement_id, kind).
type ReconciliationException struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Kind         ExceptionKind   `gorm:"type:varchar(30);not null"`
	Status       ExceptionStatus `gorm:"type:varchar(10);not null;default:'OPEN'"`
	SettlementID uuid.UUID       `gorm:"type:uuid;not null"`
	OrderID      uuid.UUID       `gorm:"type:uuid;not null"`
	TerminalID   string          `gorm:"type:varchar(40);not null"`
	TenderType   TenderType      `gorm:"type:varchar(20);not null"`
	Amount       decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Detail       string          `gorm:"type:text;not null"`
	Resolution   *string         `gorm:"type:text"`
	ResolvedBy   *uuid.UUID      `gorm:"type:uuid"`
	ResolvedAt   *time.Time
	CreatedAt    time.Time
}

func (ReconciliationException) TableName() string { return "reconciliation_exceptions" }
