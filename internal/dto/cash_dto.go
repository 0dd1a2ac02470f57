package dto

import (
	"pharmapos/internal/model"

	"github.com/shopspring/decimal"
)

// ─── Request DTOs ────────────────────────────────────────────────────────────

type OpenSessionRequest struct {
	TerminalID   string          `json:"terminal_id"   validate:"required,max=40"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

// RecordMovementRequest carries a signed amount: negative for WITHDRAWAL and
// EXPENSE, positive otherwise. SessionID comes from the path.
type RecordMovementRequest struct {
	SessionID  string          `json:"-"`
	Kind       string          `json:"kind"        validate:"required,oneof=REINFORCEMENT WITHDRAWAL EXPENSE SALE_SETTLEMENT"`
	TenderType string          `json:"tender_type" validate:"required,oneof=CASH CARD MOBILE_MONEY_A MOBILE_MONEY_B OTHER"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"      validate:"required,min=3,max=255"`
}

type CloseSessionRequest struct {
	SessionID      string                               `json:"-"`
	DeclaredTotals map[model.TenderType]decimal.Decimal `json:"declared_totals" validate:"required"`
	Notes          *string                              `json:"notes"           validate:"omitempty,max=1000"`
	Latitude       *decimal.Decimal                     `json:"latitude"`
	Longitude      *decimal.Decimal                     `json:"longitude"`
}

// ─── Response DTOs ───────────────────────────────────────────────────────────

type MovementResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	TenderType  string          `json:"tender_type"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ReferenceID *string         `json:"reference_id,omitempty"`
	RecordedAt  string          `json:"recorded_at"`
}

type SessionResponse struct {
	SessionID    string             `json:"session_id"`
	TerminalID   string             `json:"terminal_id"`
	OperatorID   string             `json:"operator_id"`
	Status       string             `json:"status"`
	OpeningFloat decimal.Decimal    `json:"opening_float"`
	SystemTotals model.TenderTotals `json:"system_totals"`
	SystemTotal  decimal.Decimal    `json:"system_total"`
	Variance     *VarianceReport    `json:"variance,omitempty"`
	OpenedAt     string             `json:"opened_at"`
	ClosedAt     *string            `json:"closed_at"`
	Movements    []MovementResponse `json:"movements,omitempty"`
}

// CurrentSessionResponse answers "is there an open session on this terminal".
type CurrentSessionResponse struct {
	Status  string           `json:"status"` // OPEN | NO_SESSION
	Session *SessionResponse `json:"session,omitempty"`
}

type TotalsResponse struct {
	SessionID    string             `json:"session_id"`
	MovementID   string             `json:"movement_id"`
	SystemTotals model.TenderTotals `json:"system_totals"`
	SystemTotal  decimal.Decimal    `json:"system_total"`
}

type VarianceReport struct {
	SessionID      string             `json:"session_id"`
	SystemTotals   model.TenderTotals `json:"system_totals"`
	DeclaredTotals model.TenderTotals `json:"declared_totals"`
	TenderVariance model.TenderTotals `json:"tender_variance"`
	TotalSystem    decimal.Decimal    `json:"total_system"`
	TotalDeclared  decimal.Decimal    `json:"total_declared"`
	Variance       decimal.Decimal    `json:"variance"`
	VariancePct    decimal.Decimal    `json:"variance_pct"`
	Classification string             `json:"classification"` // BALANCED | WARNING | CRITICAL
	Notes          *string            `json:"notes,omitempty"`
	ClosedAt       string             `json:"closed_at"`
}

type SessionListResponse struct {
	Data  []SessionResponse `json:"data"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// AuditResponse compares the stored running totals with a re-sum of the movements.
type AuditResponse struct {
	SessionID      string             `json:"session_id"`
	StoredTotals   model.TenderTotals `json:"stored_totals"`
	ReplayedTotals model.TenderTotals `json:"replayed_totals"`
	Drift          model.TenderTotals `json:"drift"`
	MovementCount  int                `json:"movement_count"`
	Consistent     bool               `json:"consistent"`
}
