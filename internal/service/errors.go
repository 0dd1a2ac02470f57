package service

import "errors"

// Domain errors. Handlers map these onto HTTP statuses and stable codes.
var (
	ErrSessionAlreadyOpen = errors.New("terminal already has an open cash session")
	ErrSessionNotOpen     = errors.New("cash session is not open")
	ErrSessionNotFound    = errors.New("cash session not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidTender      = errors.New("invalid tender type")
	ErrInvalidMovement    = errors.New("invalid movement kind")

	ErrSettlementInFlight = errors.New("order already has a settlement in flight")
	ErrSettlementNotFound = errors.New("settlement request not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyPaid   = errors.New("order is already paid")
	ErrUnknownGateway     = errors.New("unknown payment gateway")

	ErrExceptionNotFound = errors.New("reconciliation exception not found")
	ErrExceptionResolved = errors.New("reconciliation exception already resolved")
)
