package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmapos/internal/dto"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SettlementMovement is what the settlement pipeline books into a till.
type SettlementMovement struct {
	TerminalID   string
	SettlementID uuid.UUID
	OrderID      uuid.UUID
	TenderType   model.TenderType
	Amount       decimal.Decimal
}

type CashService interface {
	Open(ctx context.Context, operatorID uuid.UUID, req dto.OpenSessionRequest) (*dto.SessionResponse, error)
	RecordMovement(ctx context.Context, operatorID uuid.UUID, req dto.RecordMovementRequest) (*dto.TotalsResponse, error)
	Close(ctx context.Context, operatorID uuid.UUID, req dto.CloseSessionRequest) (*dto.VarianceReport, error)
	CurrentSession(ctx context.Context, terminalID string) (*dto.CurrentSessionResponse, error)
	GetSession(ctx context.Context, id uuid.UUID) (*dto.SessionResponse, error)
	History(ctx context.Context, terminalID string, page, limit int) (*dto.SessionListResponse, error)
	Audit(ctx context.Context, id uuid.UUID) (*dto.AuditResponse, error)
	// RecordSettlement books a confirmed settlement into the terminal's open
	// session. Idempotent per settlement id; ErrSessionNotOpen when no session is open.
	RecordSettlement(ctx context.Context, in SettlementMovement) (*model.Movement, error)
}

type cashService struct {
	repo       repository.CashRepository
	thresholds VarianceThresholds
}

func NewCashService(repo repository.CashRepository, thresholds VarianceThresholds) CashService {
	return &cashService{repo: repo, thresholds: thresholds}
}

// ── Open ──────────────────────────────────────────────────────────────────────

func (s *cashService) Open(ctx context.Context, operatorID uuid.UUID, req dto.OpenSessionRequest) (*dto.SessionResponse, error) {
	if req.OpeningFloat.IsNegative() {
		return nil, ErrInvalidAmount
	}
	float := req.OpeningFloat.Round(2)

	session := &model.CashSession{
		ID:           uuid.New(),
		TerminalID:   req.TerminalID,
		OperatorID:   operatorID,
		OpeningFloat: float,
		Status:       model.SessionOpen,
		SystemTotals: model.TenderTotals{model.TenderCash: float},
		OpenedAt:     time.Now().UTC(),
	}

	err := s.repo.Transaction(ctx, func(tx repository.CashRepository) error {
		if _, err := tx.FindOpenSessionByTerminal(ctx, req.TerminalID); err == nil {
			return ErrSessionAlreadyOpen
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := tx.CreateSession(ctx, session); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrSessionAlreadyOpen
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("session_id", session.ID.String()).Str("terminal_id", session.TerminalID).
		Str("opening_float", float.String()).Msg("cash: session opened")
	return toSessionResponse(session), nil
}

// ── RecordMovement ────────────────────────────────────────────────────────────
// Movements are immutable: no update or delete path exists.

func (s *cashService) RecordMovement(ctx context.Context, operatorID uuid.UUID, req dto.RecordMovementRequest) (*dto.TotalsResponse, error) {
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	kind := model.MovementKind(req.Kind)
	tender := model.TenderType(req.TenderType)
	if !kind.Valid() {
		return nil, ErrInvalidMovement
	}
	if !tender.Valid() {
		return nil, ErrInvalidTender
	}
	if err := checkAmountSign(kind, req.Amount); err != nil {
		return nil, err
	}

	mov := &model.Movement{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Kind:       kind,
		TenderType: tender,
		Amount:     req.Amount.Round(2),
		Reason:     req.Reason,
		OperatorID: &operatorID,
		RecordedAt: time.Now().UTC(),
	}

	var totals model.TenderTotals
	err = s.repo.Transaction(ctx, func(tx repository.CashRepository) error {
		session, err := lockOpenSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := tx.CreateMovement(ctx, mov); err != nil {
			return err
		}
		session.SystemTotals = session.SystemTotals.Add(tender, mov.Amount)
		totals = session.SystemTotals
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("session_id", sessionID.String()).Str("kind", string(kind)).
		Str("tender", string(tender)).Str("amount", mov.Amount.String()).Msg("cash: movement recorded")
	return &dto.TotalsResponse{
		SessionID:    sessionID.String(),
		MovementID:   mov.ID.String(),
		SystemTotals: totals,
		SystemTotal:  totals.Sum(),
	}, nil
}

// checkAmountSign: outflows must be negative, inflows positive, zero never.
func checkAmountSign(kind model.MovementKind, amount decimal.Decimal) error {
	if amount.Round(2).IsZero() {
		return ErrInvalidAmount
	}
	if kind.Outflow() != amount.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

// ── Close ─────────────────────────────────────────────────────────────────────
// Blind count: the declaration is compared only after it is submitted.

func (s *cashService) Close(ctx context.Context, operatorID uuid.UUID, req dto.CloseSessionRequest) (*dto.VarianceReport, error) {
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	declared := make(model.TenderTotals, len(req.DeclaredTotals))
	for tender, amount := range req.DeclaredTotals {
		if !tender.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTender, tender)
		}
		if amount.IsNegative() {
			return nil, ErrInvalidAmount
		}
		declared[tender] = amount.Round(2)
	}

	var (
		closed *model.CashSession
		rec    Reconciliation
	)
	err = s.repo.Transaction(ctx, func(tx repository.CashRepository) error {
		session, err := lockOpenSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		rec = Reconcile(session.SystemTotals, declared, s.thresholds)

		now := time.Now().UTC()
		class := rec.Classification
		variance, pct := rec.Variance, rec.VariancePct
		session.Status = model.SessionClosed
		session.ClosedAt = &now
		session.ClosedBy = &operatorID
		session.DeclaredTotals = declared
		session.TenderVariance = rec.TenderVariance
		session.Variance = &variance
		session.VariancePct = &pct
		session.VarianceClass = &class
		session.Notes = req.Notes
		session.Latitude = req.Latitude
		session.Longitude = req.Longitude
		closed = session
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	ev := log.Info()
	if rec.Classification == VarianceCritical {
		ev = log.Warn()
	}
	ev.Str("session_id", sessionID.String()).Str("variance", rec.Variance.String()).
		Str("classification", rec.Classification).Msg("cash: session closed")
	return toVarianceReport(closed), nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

func (s *cashService) CurrentSession(ctx context.Context, terminalID string) (*dto.CurrentSessionResponse, error) {
	session, err := s.repo.FindOpenSessionByTerminal(ctx, terminalID)
	if errors.Is(err, repository.ErrNotFound) {
		return &dto.CurrentSessionResponse{Status: "NO_SESSION"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &dto.CurrentSessionResponse{Status: string(model.SessionOpen), Session: toSessionResponse(session)}, nil
}

func (s *cashService) GetSession(ctx context.Context, id uuid.UUID) (*dto.SessionResponse, error) {
	session, err := s.repo.FindSessionByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	resp := toSessionResponse(session)
	for i := range session.Movements {
		resp.Movements = append(resp.Movements, toMovementResponse(&session.Movements[i]))
	}
	return resp, nil
}

func (s *cashService) History(ctx context.Context, terminalID string, page, limit int) (*dto.SessionListResponse, error) {
	page, limit = normalizePage(page, limit)
	sessions, total, err := s.repo.ListSessions(ctx, terminalID, page, limit)
	if err != nil {
		return nil, err
	}
	out := &dto.SessionListResponse{Data: make([]dto.SessionResponse, 0, len(sessions)), Total: total, Page: page, Limit: limit}
	for i := range sessions {
		out.Data = append(out.Data, *toSessionResponse(&sessions[i]))
	}
	return out, nil
}

// Audit replays the movements on top of the opening float and compares the
// result with the stored running totals.
func (s *cashService) Audit(ctx context.Context, id uuid.UUID) (*dto.AuditResponse, error) {
	session, err := s.repo.FindSessionByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	replayed := model.TenderTotals{model.TenderCash: session.OpeningFloat}
	for _, m := range session.Movements {
		replayed = replayed.Add(m.TenderType, m.Amount)
	}
	drift := model.TenderTotals{}
	consistent := true
	for _, t := range model.TenderTypes {
		diff := session.SystemTotals.Get(t).Sub(replayed.Get(t))
		if !diff.IsZero() {
			drift[t] = diff
			consistent = false
		}
	}
	if !consistent {
		log.Error().Str("session_id", id.String()).Interface("drift", drift).Msg("cash: ledger drift detected")
	}
	return &dto.AuditResponse{
		SessionID:      id.String(),
		StoredTotals:   session.SystemTotals,
		ReplayedTotals: replayed,
		Drift:          drift,
		MovementCount:  len(session.Movements),
		Consistent:     consistent,
	}, nil
}

// ── RecordSettlement ──────────────────────────────────────────────────────────

func (s *cashService) RecordSettlement(ctx context.Context, in SettlementMovement) (*model.Movement, error) {
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	ref := in.SettlementID
	mov := &model.Movement{
		ID:          uuid.New(),
		Kind:        model.MovementSaleSettlement,
		TenderType:  in.TenderType,
		Amount:      in.Amount.Round(2),
		Reason:      "settlement of order " + in.OrderID.String(),
		ReferenceID: &ref,
		RecordedAt:  time.Now().UTC(),
	}

	var existing *model.Movement
	err := s.repo.Transaction(ctx, func(tx repository.CashRepository) error {
		if m, err := tx.FindMovementByReference(ctx, ref); err == nil {
			existing = m
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		open, err := tx.FindOpenSessionByTerminal(ctx, in.TerminalID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotOpen
		}
		if err != nil {
			return err
		}
		session, err := lockOpenSession(ctx, tx, open.ID)
		if err != nil {
			return err
		}

		mov.SessionID = session.ID
		if err := tx.CreateMovement(ctx, mov); err != nil {
			return err
		}
		session.SystemTotals = session.SystemTotals.Add(mov.TenderType, mov.Amount)
		return tx.UpdateSession(ctx, session)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent writer booked the same settlement first.
		return s.repo.FindMovementByReference(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	log.Info().Str("session_id", mov.SessionID.String()).Str("settlement_id", ref.String()).
		Str("amount", mov.Amount.String()).Msg("cash: settlement booked")
	return mov, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func lockOpenSession(ctx context.Context, tx repository.CashRepository, id uuid.UUID) (*model.CashSession, error) {
	session, err := tx.LockSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, ErrSessionNotOpen
	}
	if session.SystemTotals == nil {
		session.SystemTotals = model.TenderTotals{}
	}
	return session, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
