package service

import (
	"time"

	"pharmapos/internal/dto"
	"pharmapos/internal/model"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toSessionResponse(s *model.CashSession) *dto.SessionResponse {
	totals := s.SystemTotals
	if totals == nil {
		totals = model.TenderTotals{}
	}
	resp := &dto.SessionResponse{
		SessionID:    s.ID.String(),
		TerminalID:   s.TerminalID,
		OperatorID:   s.OperatorID.String(),
		Status:       string(s.Status),
		OpeningFloat: s.OpeningFloat,
		SystemTotals: totals,
		SystemTotal:  totals.Sum(),
		OpenedAt:     formatTime(s.OpenedAt),
		ClosedAt:     formatTimePtr(s.ClosedAt),
	}
	if s.Status == model.SessionClosed && s.Variance != nil {
		resp.Variance = toVarianceReport(s)
	}
	return resp
}

func toVarianceReport(s *model.CashSession) *dto.VarianceReport {
	r := &dto.VarianceReport{
		SessionID:      s.ID.String(),
		SystemTotals:   s.SystemTotals,
		DeclaredTotals: s.DeclaredTotals,
		TenderVariance: s.TenderVariance,
		TotalSystem:    s.SystemTotals.Sum(),
		TotalDeclared:  s.DeclaredTotals.Sum(),
		Notes:          s.Notes,
	}
	if s.Variance != nil {
		r.Variance = *s.Variance
	}
	if s.VariancePct != nil {
		r.VariancePct = *s.VariancePct
	}
	if s.VarianceClass != nil {
		r.Classification = *s.VarianceClass
	}
	if s.ClosedAt != nil {
		r.ClosedAt = formatTime(*s.ClosedAt)
	}
	return r
}

func toMovementResponse(m *model.Movement) dto.MovementResponse {
	resp := dto.MovementResponse{
		ID:         m.ID.String(),
		Kind:       string(m.Kind),
		TenderType: string(m.TenderType),
		Amount:     m.Amount,
		Reason:     m.Reason,
		RecordedAt: formatTime(m.RecordedAt),
	}
	if m.ReferenceID != nil {
		ref := m.ReferenceID.String()
		resp.ReferenceID = &ref
	}
	return resp
}

func toSettlementResponse(s *model.SettlementRequest, history []model.SettlementTransition) *dto.SettlementResponse {
	resp := &dto.SettlementResponse{
		SettlementID: s.ID.String(),
		OrderID:      s.OrderID.String(),
		Gateway:      string(s.Gateway),
		TenderType:   string(s.TenderType),
		Amount:       s.Amount,
		Status:       string(s.Status),
		Reason:       s.Reason,
		Attempts:     s.Attempts,
		CreatedAt:    formatTime(s.CreatedAt),
		LastPolledAt: formatTimePtr(s.LastPolledAt),
		CompletedAt:  formatTimePtr(s.CompletedAt),
	}
	for _, t := range history {
		resp.History = append(resp.History, dto.TransitionResponse{
			From:   string(t.FromStatus),
			To:     string(t.ToStatus),
			Reason: t.Reason,
			Source: t.Source,
			At:     formatTime(t.At),
		})
	}
	return resp
}

func toExceptionResponse(e *model.ReconciliationException) dto.ExceptionResponse {
	return dto.ExceptionResponse{
		ID:           e.ID.String(),
		Kind:         string(e.Kind),
		Status:       string(e.Status),
		SettlementID: e.SettlementID.String(),
		OrderID:      e.OrderID.String(),
		TerminalID:   e.TerminalID,
		TenderType:   string(e.TenderType),
		Amount:       e.Amount,
		Detail:       e.Detail,
		Resolution:   e.Resolution,
		ResolvedAt:   formatTimePtr(e.ResolvedAt),
		CreatedAt:    formatTime(e.CreatedAt),
	}
}
