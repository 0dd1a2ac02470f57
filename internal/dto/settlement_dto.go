package dto

import (
	"github.com/shopspring/decimal"
)

// ─── Request DTOs ────────────────────────────────────────────────────────────

type RequestSettlementRequest struct {
	OrderID         string          `json:"order_id"         validate:"required,uuid"`
	Gateway         string          `json:"gateway"          validate:"required"`
	TenderReference string          `json:"tender_reference" validate:"required,max=40"`
	Amount          decimal.Decimal `json:"amount"`
}

// MPesaCallback is the asynchronous notification posted by M-Pesa.
type MPesaCallback struct {
	ResponseCode        string `json:"output_ResponseCode"`
	ResponseDesc        string `json:"output_ResponseDesc"`
	TransactionID       string `json:"output_TransactionID"`
	ConversationID      string `json:"output_ConversationID" validate:"required"`
	ThirdPartyReference string `json:"output_ThirdPartyReference"`
}

// E2PaymentsCallback is the notification posted by e2Payments.
type E2PaymentsCallback struct {
	Reference     string `json:"reference" validate:"required"`
	Status        string `json:"status"    validate:"required"`
	TransactionID string `json:"transaction_id"`
}

// ─── Response DTOs ───────────────────────────────────────────────────────────

type TransitionResponse struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Reason *string `json:"reason,omitempty"`
	Source string  `json:"source"`
	At     string  `json:"at"`
}

type SettlementResponse struct {
	SettlementID string               `json:"settlement_id"`
	OrderID      string               `json:"order_id"`
	Gateway      string               `json:"gateway"`
	TenderType   string               `json:"tender_type"`
	Amount       decimal.Decimal      `json:"amount"`
	Status       string               `json:"status"`
	Reason       *string              `json:"reason,omitempty"`
	Attempts     int                  `json:"attempts"`
	CreatedAt    string               `json:"created_at"`
	LastPolledAt *string              `json:"last_polled_at,omitempty"`
	CompletedAt  *string              `json:"completed_at,omitempty"`
	History      []TransitionResponse `json:"history,omitempty"`
}

type CallbackAck struct {
	Status string `json:"status"`
}
