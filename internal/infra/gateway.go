package infra

import (
	"context"
	"errors"
	"fmt"

	"pharmapos/internal/model"

	"github.com/shopspring/decimal"
)

// GatewayStatus is the outcome a gateway reports for a payment.
type GatewayStatus string

const (
	GatewayPending   GatewayStatus = "PENDING"
	GatewayConfirmed GatewayStatus = "CONFIRMED"
	GatewayFailed    GatewayStatus = "FAILED"
)

var (
	// ErrInitiationRejected wraps a definitive refusal from the gateway (bad
	// number, insufficient balance, invalid amount). It does not trip the breaker.
	ErrInitiationRejected = errors.New("gateway rejected initiation")
	ErrCancelNotSupported = errors.New("gateway does not support cancellation")
)

type InitiateRequest struct {
	// Reference is our idempotency key at the gateway; derived from the settlement id.
	Reference string
	OrderRef  string
	MSISDN    string
	Amount    decimal.Decimal
}

type InitiateResult struct {
	Handle string
	Raw    []byte
}

// PaymentGateway is the contract each mobile-money adapter implements.
type PaymentGateway interface {
	Name() model.Gateway
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, handle string) (GatewayStatus, error)
	Cancel(ctx context.Context, handle string) error
}

// Gateways resolves an adapter by provider.
type Gateways map[model.Gateway]PaymentGateway

func (g Gateways) Get(name model.Gateway) (PaymentGateway, error) {
	gw, ok := g[name]
	if !ok || gw == nil {
		return nil, fmt.Errorf("gateway %q not configured", name)
	}
	return gw, nil
}

// TenderFor maps a provider onto the tender type its settlements land in.
func TenderFor(name model.Gateway) model.TenderType {
	switch name {
	case model.GatewayMPesa:
		return model.TenderMobileMoneyA
	case model.GatewayE2Payments:
		return model.TenderMobileMoneyB
	}
	return model.TenderOther
}
