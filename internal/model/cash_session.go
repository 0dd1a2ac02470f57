package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus: "OPEN" | "CLOSED"
type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// TenderType is the means of payment a movement or total is attributed to.
type TenderType string

const (
	TenderCash         TenderType = "CASH"
	TenderCard         TenderType = "CARD"
	TenderMobileMoneyA TenderType = "MOBILE_MONEY_A"
	TenderMobileMoneyB TenderType = "MOBILE_MONEY_B"
	TenderOther        TenderType = "OTHER"
)

var TenderTypes = []TenderType{TenderCash, TenderCard, TenderMobileMoneyA, TenderMobileMoneyB, TenderOther}

func (t TenderType) Valid() bool {
	for _, v := range TenderTypes {
		if v == t {
			return true
		}
	}
	return false
}

// MovementKind classifies a ledger entry. WITHDRAWAL and EXPENSE carry a
// negative amount, everything else a positive one.
type MovementKind string

const (
	MovementReinforcement  MovementKind = "REINFORCEMENT"
	MovementWithdrawal     MovementKind = "WITHDRAWAL"
	MovementExpense        MovementKind = "EXPENSE"
	MovementSaleSettlement MovementKind = "SALE_SETTLEMENT"
)

func (k MovementKind) Valid() bool {
	switch k {
	case MovementReinforcement, MovementWithdrawal, MovementExpense, MovementSaleSettlement:
		return true
	}
	return false
}

func (k MovementKind) Outflow() bool {
	return k == MovementWithdrawal || k == MovementExpense
}

// TenderTotals maps a tender to a running or declared amount. A missing key
// reads as zero.
type TenderTotals map[TenderType]decimal.Decimal

func (t TenderTotals) Get(tender TenderType) decimal.Decimal {
	if v, ok := t[tender]; ok {
		return v
	}
	return decimal.Zero
}

// Add returns a copy of t with amount folded into tender.
func (t TenderTotals) Add(tender TenderType, amount decimal.Decimal) TenderTotals {
	out := t.Clone()
	out[tender] = out.Get(tender).Add(amount)
	return out
}

func (t TenderTotals) Clone() TenderTotals {
	out := make(TenderTotals, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func (t TenderTotals) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range t {
		sum = sum.Add(v)
	}
	return sum
}

// CashSession is one operator's shift on one terminal.
// At most one session per terminal may be OPEN; enforced by a partial unique index.
type CashSession struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TerminalID   string          `gorm:"type:varchar(40);not null;index"`
	OperatorID   uuid.UUID       `gorm:"type:uuid;not null"`
	OpeningFloat decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Status       SessionStatus   `gorm:"type:varchar(10);not null;default:'OPEN'"`
	// SystemTotals is the running per-tender sum: opening float plus every movement.
	SystemTotals   TenderTotals     `gorm:"type:jsonb;serializer:json;not null"`
	DeclaredTotals TenderTotals     `gorm:"type:jsonb;serializer:json"`
	TenderVariance TenderTotals     `gorm:"type:jsonb;serializer:json"`
	Variance       *decimal.Decimal `gorm:"type:decimal(12,2)"`
	VariancePct    *decimal.Decimal `gorm:"type:decimal(7,2)"`
	// VarianceClass: "BALANCED" | "WARNING" | "CRITICAL"
	VarianceClass *string          `gorm:"type:varchar(10)"`
	Notes         *string          `gorm:"type:text"`
	Latitude      *decimal.Decimal `gorm:"type:decimal(9,6)"`
	Longitude     *decimal.Decimal `gorm:"type:decimal(9,6)"`
	ClosedBy      *uuid.UUID       `gorm:"type:uuid"`
	OpenedAt      time.Time        `gorm:"not null"`
	ClosedAt      *time.Time

	Movements []Movement `gorm:"foreignKey:SessionID"`
}

func (CashSession) TableName() string { return "cash_sessions" }

func (s *CashSession) IsOpen() bool { return s.Status == SessionOpen }

// Movement is an immutable ledger entry. Movements are never updated or deleted.
type Movement struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	SessionID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	Kind       MovementKind    `gorm:"type:varchar(20);not null"`
	TenderType TenderType      `gorm:"type:varchar(20);not null"`
	Amount     decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Reason     string          `gorm:"type:text;not null"`
	// OperatorID is nil for movements recorded by the settlement pipeline.
	OperatorID *uuid.UUID `gorm:"type:uuid"`
	// ReferenceID links a SALE_SETTLEMENT to its settlement request (unique).
	ReferenceID *uuid.UUID `gorm:"type:uuid"`
	RecordedAt  time.Time  `gorm:"not null"`
}

func (Movement) TableName() string { return "cash_movements" }
