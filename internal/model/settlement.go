package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway identifies a mobile-money provider.
type Gateway string

const (
	GatewayMPesa      Gateway = "MPESA"
	GatewayE2Payments Gateway = "E2PAYMENTS"
)

type SettlementStatus string

const (
	SettlementRequested           SettlementStatus = "REQUESTED"
	SettlementPendingConfirmation SettlementStatus = "PENDING_CONFIRMATION"
	SettlementConfirmed           SettlementStatus = "CONFIRMED"
	SettlementFailed              SettlementStatus = "FAILED"
	SettlementTimedOut            SettlementStatus = "TIMED_OUT"
	SettlementCancelled           SettlementStatus = "CANCELLED"
)

// InFlightStatuses are the only states a settlement may leave.
var InFlightStatuses = []SettlementStatus{SettlementRequested, SettlementPendingConfirmation}

func (s SettlementStatus) Terminal() bool {
	return s != SettlementRequested && s != SettlementPendingConfirmation
}

// SettlementRequest is one attempt to collect payment for an order through a gateway.
// At most one in-flight request per order; enforced by a partial unique index.
type SettlementRequest struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OrderID         uuid.UUID        `gorm:"type:uuid;not null;index"`
	Gateway         Gateway          `gorm:"type:varchar(20);not null"`
	TenderType      TenderType       `gorm:"type:varchar(20);not null"`
	TenderReference string           `gorm:"type:varchar(40);not null"`
	Amount          decimal.Decimal  `gorm:"type:decimal(12,2);not null"`
	Status          SettlementStatus `gorm:"type:varchar(24);not null;default:'REQUESTED'"`
	// Handle is the gateway's opaque id used for status checks and callbacks.
	Handle           *string `gorm:"type:varchar(120);index"`
	Reason           *string `gorm:"type:text"`
	Attempts         int     `gorm:"not null;default:0"`
	LastPolledAt     *time.Time
	CompletedAt      *time.Time
	EffectsAppliedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Transitions []SettlementTransition `gorm:"foreignKey:SettlementID"`
}

func (SettlementRequest) TableName() string { return "settlement_requests" }

// SettlementTransition is an append-only record of a status change.
// Source: "requestor" | "poller" | "callback" | "user" | "sweep"
type SettlementTransition struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	SettlementID uuid.UUID        `gorm:"type:uuid;not null;index"`
	FromStatus   SettlementStatus `gorm:"type:varchar(24);not null"`
	ToStatus     SettlementStatus `gorm:"type:varchar(24);not null"`
	Reason       *string          `gorm:"type:text"`
	Source       string           `gorm:"type:varchar(20);not null"`
	At           time.Time        `gorm:"not null"`
}

func (SettlementTransition) TableName() string { return "settlement_transitions" }
