package dto

import "github.com/shopspring/decimal"

type ResolveExceptionRequest struct {
	Resolution string `json:"resolution" validate:"required,min=3,max=1000"`
}

type ExceptionResponse struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	SettlementID string          `json:"settlement_id"`
	OrderID      string          `json:"order_id"`
	TerminalID   string          `json:"terminal_id"`
	TenderType   string          `json:"tender_type"`
	Amount       decimal.Decimal `json:"amount"`
	Detail       string          `json:"detail"`
	Resolution   *string         `json:"resolution,omitempty"`
	ResolvedAt   *string         `json:"resolved_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

type ExceptionListResponse struct {
	Data  []ExceptionResponse `json:"data"`
	Total int64               `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}
