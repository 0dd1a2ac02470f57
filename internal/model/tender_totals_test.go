package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTenderTotals_AddDoesNotMutate(t *testing.T) {
	base := TenderTotals{TenderCash: decimal.NewFromInt(500)}
	next := base.Add(TenderCash, decimal.NewFromInt(200)).Add(TenderMobileMoneyA, decimal.NewFromInt(350))

	assert.True(t, base.Get(TenderCash).Equal(decimal.NewFromInt(500)))
	assert.True(t, next.Get(TenderCash).Equal(decimal.NewFromInt(700)))
	assert.True(t, next.Sum().Equal(decimal.NewFromInt(1050)))
	assert.True(t, base.Get(TenderCard).IsZero())
}

func TestMovementKind_Outflow(t *testing.T) {
	assert.True(t, MovementWithdrawal.Outflow())
	assert.True(t, MovementExpense.Outflow())
	assert.False(t, MovementReinforcement.Outflow())
	assert.False(t, MovementSaleSettlement.Outflow())
	assert.False(t, MovementKind("REFUND").Valid())
}

func TestSettlementStatus_Terminal(t *testing.T) {
	for _, s := range InFlightStatuses {
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []SettlementStatus{SettlementConfirmed, SettlementFailed, SettlementTimedOut, SettlementCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}
