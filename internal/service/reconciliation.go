package service

import (
	"pharmapos/internal/model"

	"github.com/shopspring/decimal"
)

// Variance classes. Classification is informational; closing never fails on it.
const (
	VarianceBalanced = "BALANCED"
	VarianceWarning  = "WARNING"
	VarianceCritical = "CRITICAL"
)

var hundred = decimal.NewFromInt(100)

type VarianceThresholds struct {
	WarningPct  decimal.Decimal
	CriticalPct decimal.Decimal
}

func DefaultThresholds() VarianceThresholds {
	return VarianceThresholds{WarningPct: decimal.NewFromInt(1), CriticalPct: decimal.NewFromInt(5)}
}

// Reconciliation is the outcome of comparing declared against system totals.
type Reconciliation struct {
	TenderVariance model.TenderTotals
	TotalSystem    decimal.Decimal
	TotalDeclared  decimal.Decimal
	Variance       decimal.Decimal
	VariancePct    decimal.Decimal
	Classification string
}

// Reconcile computes declared minus system per tender over every tender that
// appears on either side; absent entries count as zero. The overall variance is
// the sum of the per-tender ones. Pure: no I/O, no clock.
func Reconcile(system, declared model.TenderTotals, th VarianceThresholds) Reconciliation {
	perTender := make(model.TenderTotals, len(system)+len(declared))
	for t := range system {
		perTender[t] = declared.Get(t).Sub(system.Get(t))
	}
	for t := range declared {
		perTender[t] = declared.Get(t).Sub(system.Get(t))
	}

	rec := Reconciliation{
		TenderVariance: perTender,
		TotalSystem:    system.Sum(),
		TotalDeclared:  declared.Sum(),
		Variance:       perTender.Sum(),
	}
	if !rec.TotalSystem.IsZero() {
		rec.VariancePct = rec.Variance.Div(rec.TotalSystem).Mul(hundred).Round(2)
	}
	rec.Classification = classifyVariance(rec.Variance, rec.VariancePct, rec.TotalSystem, th)
	return rec
}

// classifyVariance buckets |pct| at or below WarningPct as BALANCED and at or
// below CriticalPct as WARNING. With nothing expected, any difference is CRITICAL.
func classifyVariance(variance, pct, totalSystem decimal.Decimal, th VarianceThresholds) string {
	if totalSystem.IsZero() {
		if variance.IsZero() {
			return VarianceBalanced
		}
		return VarianceCritical
	}
	abs := pct.Abs()
	switch {
	case abs.LessThanOrEqual(th.WarningPct):
		return VarianceBalanced
	case abs.LessThanOrEqual(th.CriticalPct):
		return VarianceWarning
	default:
		return VarianceCritical
	}
}
