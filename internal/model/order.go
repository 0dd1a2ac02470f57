package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus: "PENDING" | "PAID"
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
)

// Order is the slice of a sale the settlement pipeline reads and marks paid.
type Order struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TerminalID    string          `gorm:"type:varchar(40);not null"`
	Total         decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	PaymentStatus PaymentStatus   `gorm:"type:varchar(10);not null;default:'PENDING'"`
	SettlementID  *uuid.UUID      `gorm:"type:uuid"`
	PaidAt        *time.Time
	CreatedAt     time.Time
}

func (Order) TableName() string { return "orders" }

func (o *Order) IsPaid() bool { return o.PaymentStatus == PaymentPaid }
