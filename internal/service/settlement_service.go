package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmapos/internal/dto"
	"pharmapos/internal/infra"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"
	"pharmapos/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Transition sources recorded in the settlement history.
const (
	SourceRequestor = "requestor"
	SourcePoller    = worker.SourcePoller
	SourceCallback  = "callback"
	SourceUser      = "user"
	SourceSweep     = worker.SourceSweep
)

// PollScheduler runs one status-polling task per in-flight settlement.
type PollScheduler interface {
	Start(s model.SettlementRequest, settler worker.Settler) error
	Cancel(id uuid.UUID) bool
	Running(id uuid.UUID) bool
}

type AlertEnqueuer interface {
	EnqueueAlert(ctx context.Context, payload worker.AlertPayload) error
}

type SettlementService interface {
	Request(ctx context.Context, req dto.RequestSettlementRequest) (*dto.SettlementResponse, error)
	Status(ctx context.Context, id uuid.UUID) (*dto.SettlementResponse, error)
	// Cancel is idempotent: on a terminal request it returns the current status.
	Cancel(ctx context.Context, id uuid.UUID) (*dto.SettlementResponse, error)
	ApplyCallback(ctx context.Context, gateway model.Gateway, handle string, status infra.GatewayStatus, raw []byte) (*dto.SettlementResponse, error)
	// Settle moves an in-flight request to a terminal outcome. Exactly one
	// concurrent caller wins; only the winner runs side effects.
	Settle(ctx context.Context, id uuid.UUID, outcome model.SettlementStatus, reason, source string) (bool, error)
	ResumePolling(ctx context.Context, s model.SettlementRequest) error
	ReapplyEffects(ctx context.Context, id uuid.UUID) error
}

// SettlementDeps groups the collaborators of the settlement service.
type SettlementDeps struct {
	Settlements    repository.SettlementRepository
	Orders         repository.OrderRepository
	Exceptions     repository.ExceptionRepository
	Cash           CashService
	Gateways       infra.Gateways
	Poller         PollScheduler
	Events         infra.EventPublisher
	Journal        infra.GatewayJournal
	Alerts         AlertEnqueuer // nil disables alerting
	TillTenders    []model.TenderType
	GatewayTimeout time.Duration
}

type settlementService struct {
	SettlementDeps
	till map[model.TenderType]bool
}

func NewSettlementService(deps SettlementDeps) SettlementService {
	if deps.Events == nil {
		deps.Events = infra.NoopPublisher{}
	}
	if deps.Journal == nil {
		deps.Journal = infra.NoopJournal{}
	}
	if deps.GatewayTimeout <= 0 {
		deps.GatewayTimeout = 30 * time.Second
	}
	till := make(map[model.TenderType]bool, len(deps.TillTenders))
	for _, t := range deps.TillTenders {
		till[t] = true
	}
	return &settlementService{SettlementDeps: deps, till: till}
}

// ── Request ───────────────────────────────────────────────────────────────────

func (s *settlementService) Request(ctx context.Context, req dto.RequestSettlementRequest) (*dto.SettlementResponse, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, ErrOrderNotFound
	}
	if !req.Amount.Round(2).IsPositive() {
		return nil, ErrInvalidAmount
	}
	gwName := model.Gateway(strings.ToUpper(strings.TrimSpace(req.Gateway)))
	gw, err := s.Gateways.Get(gwName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, req.Gateway)
	}
	order, err := s.Orders.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if order.IsPaid() {
		return nil, ErrOrderAlreadyPaid
	}

	now := time.Now().UTC()
	sr := &model.SettlementRequest{
		ID:              uuid.New(),
		OrderID:         orderID,
		Gateway:         gwName,
		TenderType:      infra.TenderFor(gwName),
		TenderReference: req.TenderReference,
		Amount:          req.Amount.Round(2),
		Status:          model.SettlementRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// The in-flight slot is reserved before any network call.
	if err := s.Settlements.Create(ctx, sr); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrSettlementInFlight
		}
		return nil, err
	}
	s.publish(ctx, sr, "", model.SettlementRequested, "", SourceRequestor)

	// Initiation outlives a disconnecting client: the gateway may already be charging.
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.GatewayTimeout)
	defer cancel()
	res, initErr := gw.Initiate(initCtx, infra.InitiateRequest{
		Reference: gatewayReference(sr.ID),
		OrderRef:  gatewayReference(order.ID),
		MSISDN:    req.TenderReference,
		Amount:    sr.Amount,
	})
	s.journal(initCtx, sr, "initiate", res, initErr)

	if initErr != nil {
		log.Warn().Err(initErr).Str("settlement_id", sr.ID.String()).Str("gateway", string(gwName)).
			Msg("settlement: initiation failed")
		if _, err := s.Settle(initCtx, sr.ID, model.SettlementFailed, initErr.Error(), SourceRequestor); err != nil {
			return nil, err
		}
		return s.Status(initCtx, sr.ID)
	}

	handle := res.Handle
	won, err := s.Settlements.Transition(initCtx, repository.TransitionInput{
		ID:     sr.ID,
		From:   []model.SettlementStatus{model.SettlementRequested},
		To:     model.SettlementPendingConfirmation,
		Handle: &handle,
		Source: SourceRequestor,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return s.afterLostInitiation(initCtx, gw, sr.ID, handle)
	}
	s.publish(initCtx, sr, model.SettlementRequested, model.SettlementPendingConfirmation, "", SourceRequestor)

	current, err := s.Settlements.FindByID(initCtx, sr.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Poller.Start(*current, s); err != nil {
		log.Warn().Err(err).Str("settlement_id", sr.ID.String()).Msg("settlement: poller rejected task, sweep will resume it")
	}
	log.Info().Str("settlement_id", sr.ID.String()).Str("order_id", orderID.String()).
		Str("gateway", string(gwName)).Str("amount", sr.Amount.String()).Msg("settlement: awaiting confirmation")
	return toSettlementResponse(current, nil), nil
}

// afterLostInitiation handles a request that was cancelled or timed out while
// the gateway was still initiating. The handle is kept so a later confirmation
// can be matched and flagged instead of dropped.
func (s *settlementService) afterLostInitiation(ctx context.Context, gw infra.PaymentGateway, id uuid.UUID, handle string) (*dto.SettlementResponse, error) {
	if err := s.Settlements.SetHandle(ctx, id, handle); err != nil {
		return nil, err
	}
	current, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Warn().Str("settlement_id", id.String()).Str("status", string(current.Status)).
		Msg("settlement: initiation completed after request ended")
	s.cancelAtGateway(*current)

	status, err := gw.CheckStatus(ctx, handle)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("settlement_id", id.String()).Msg("settlement: final status check failed")
	case status == infra.GatewayConfirmed:
		if _, err := s.Settle(ctx, id, model.SettlementConfirmed, "confirmed by gateway after request ended", SourceRequestor); err != nil {
			return nil, err
		}
	}
	return s.Status(ctx, id)
}

// gatewayReference is a short alphanumeric reference accepted by both gateways.
func gatewayReference(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:20]
}

// ── Status ────────────────────────────────────────────────────────────────────

func (s *settlementService) Status(ctx context.Context, id uuid.UUID) (*dto.SettlementResponse, error) {
	sr, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.Settlements.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	return toSettlementResponse(sr, history), nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────
// Status is written before the poller is stopped so a poll that returns
// afterwards loses the compare-and-set.

func (s *settlementService) Cancel(ctx context.Context, id uuid.UUID) (*dto.SettlementResponse, error) {
	sr, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if sr.Status.Terminal() {
		return s.Status(ctx, id)
	}

	reason := "cancelled by operator"
	won, err := s.Settlements.Transition(ctx, repository.TransitionInput{
		ID:     id,
		From:   model.InFlightStatuses,
		To:     model.SettlementCancelled,
		Reason: &reason,
		Source: SourceUser,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.Poller.Cancel(id)

	if won {
		s.publish(ctx, sr, sr.Status, model.SettlementCancelled, reason, SourceUser)
		if sr.Handle != nil {
			go s.cancelAtGateway(*sr)
		}
		log.Info().Str("settlement_id", id.String()).Msg("settlement: cancelled")
	}
	return s.Status(ctx, id)
}

func (s *settlementService) cancelAtGateway(sr model.SettlementRequest) {
	gw, err := s.Gateways.Get(sr.Gateway)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.GatewayTimeout)
	defer cancel()
	err = gw.Cancel(ctx, *sr.Handle)
	switch {
	case errors.Is(err, infra.ErrCancelNotSupported):
		log.Debug().Str("settlement_id", sr.ID.String()).Msg("settlement: gateway has no cancel operation")
	case err != nil:
		log.Warn().Err(err).Str("settlement_id", sr.ID.String()).Msg("settlement: gateway cancel failed")
	}
	s.journal(ctx, &sr, "cancel", nil, err)
}

// ── Callbacks ─────────────────────────────────────────────────────────────────

func (s *settlementService) ApplyCallback(ctx context.Context, gateway model.Gateway, handle string, status infra.GatewayStatus, raw []byte) (*dto.SettlementResponse, error) {
	sr, err := s.Settlements.FindByHandle(ctx, gateway, handle)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = s.Journal.Record(ctx, infra.GatewayExchange{
		SettlementID: sr.ID.String(),
		Gateway:      string(gateway),
		Operation:    "callback",
		Handle:       handle,
		Outcome:      string(status),
		Raw:          string(raw),
		At:           time.Now().UTC(),
	})

	var won bool
	switch status {
	case infra.GatewayConfirmed:
		won, err = s.Settle(ctx, sr.ID, model.SettlementConfirmed, "confirmed by gateway callback", SourceCallback)
	case infra.GatewayFailed:
		won, err = s.Settle(ctx, sr.ID, model.SettlementFailed, "failure reported by gateway callback", SourceCallback)
	}
	if err != nil {
		return nil, err
	}
	if won {
		s.Poller.Cancel(sr.ID)
	}
	return s.Status(ctx, sr.ID)
}

// ── Settle ────────────────────────────────────────────────────────────────────

func (s *settlementService) Settle(ctx context.Context, id uuid.UUID, outcome model.SettlementStatus, reason, source string) (bool, error) {
	before, err := s.find(ctx, id)
	if err != nil {
		return false, err
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	won, err := s.Settlements.Transition(ctx, repository.TransitionInput{
		ID:     id,
		From:   model.InFlightStatuses,
		To:     outcome,
		Reason: reasonPtr,
		Source: source,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}

	if !won {
		if outcome == model.SettlementConfirmed {
			s.onLateConfirmation(ctx, id, source)
		}
		return false, nil
	}

	s.publish(ctx, before, before.Status, outcome, reason, source)
	log.Info().Str("settlement_id", id.String()).Str("status", string(outcome)).Str("source", source).
		Msg("settlement: finalized")

	if outcome == model.SettlementConfirmed {
		after, err := s.find(ctx, id)
		if err != nil {
			return true, err
		}
		if err := s.applyEffects(ctx, after); err != nil {
			log.Error().Err(err).Str("settlement_id", id.String()).Msg("settlement: effects pending, sweep will retry")
		}
	}
	return true, nil
}

// onLateConfirmation flags money the gateway took after we stopped waiting.
// The request keeps its CANCELLED or TIMED_OUT status.
func (s *settlementService) onLateConfirmation(ctx context.Context, id uuid.UUID, source string) {
	sr, err := s.find(ctx, id)
	if err != nil {
		return
	}
	if sr.Status != model.SettlementCancelled && sr.Status != model.SettlementTimedOut {
		return
	}
	detail := fmt.Sprintf("gateway confirmed payment (via %s) after request was %s", source, sr.Status)
	s.recordException(ctx, sr, model.ExceptionLateConfirmation, detail)
}

// applyEffects marks the order paid and books the till movement. Each step is
// idempotent, so the sweep may run it again until EffectsAppliedAt is set.
func (s *settlementService) applyEffects(ctx context.Context, sr *model.SettlementRequest) error {
	order, err := s.Orders.FindByID(ctx, sr.OrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	now := time.Now().UTC()
	if flipped, err := s.Orders.MarkPaid(ctx, order.ID, sr.ID, now); err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	} else if flipped {
		log.Info().Str("order_id", order.ID.String()).Str("settlement_id", sr.ID.String()).Msg("settlement: order paid")
	}

	if s.till[sr.TenderType] {
		_, err := s.Cash.RecordSettlement(ctx, SettlementMovement{
			TerminalID:   order.TerminalID,
			SettlementID: sr.ID,
			OrderID:      order.ID,
			TenderType:   sr.TenderType,
			Amount:       sr.Amount,
		})
		switch {
		case errors.Is(err, ErrSessionNotOpen):
			detail := fmt.Sprintf("terminal %s had no open cash session when payment was confirmed", order.TerminalID)
			s.recordException(ctx, sr, model.ExceptionOrphanedConfirmation, detail)
		case err != nil:
			return fmt.Errorf("book settlement: %w", err)
		}
	}
	return s.Settlements.MarkEffectsApplied(ctx, sr.ID, now)
}

func (s *settlementService) recordException(ctx context.Context, sr *model.SettlementRequest, kind model.ExceptionKind, detail string) {
	terminalID := ""
	if order, err := s.Orders.FindByID(ctx, sr.OrderID); err == nil {
		terminalID = order.TerminalID
	}
	exc := &model.ReconciliationException{
		ID:           uuid.New(),
		Kind:         kind,
		Status:       model.ExceptionOpen,
		SettlementID: sr.ID,
		OrderID:      sr.OrderID,
		TerminalID:   terminalID,
		TenderType:   sr.TenderType,
		Amount:       sr.Amount,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.Exceptions.Create(ctx, exc)
	if errors.Is(err, repository.ErrDuplicate) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("settlement_id", sr.ID.String()).Str("kind", string(kind)).
			Msg("settlement: failed to record reconciliation exception")
		return
	}
	log.Warn().Str("settlement_id", sr.ID.String()).Str("kind", string(kind)).Str("amount", sr.Amount.String()).
		Msg("settlement: reconciliation exception recorded")

	if s.Alerts != nil {
		alert := worker.AlertPayload{
			SettlementID:  sr.ID.String(),
			ExceptionKind: string(kind),
			Subject:       fmt.Sprintf("[pharmapos] %s on terminal %s", kind, terminalID),
			Body: fmt.Sprintf("Settlement %s for order %s (%s %s): %s",
				sr.ID, sr.OrderID, sr.Amount.StringFixed(2), sr.TenderType, detail),
		}
		if err := s.Alerts.EnqueueAlert(ctx, alert); err != nil {
			log.Error().Err(err).Msg("settlement: failed to enqueue alert")
		}
	}
}

// ── Recovery ──────────────────────────────────────────────────────────────────

func (s *settlementService) ResumePolling(ctx context.Context, sr model.SettlementRequest) error {
	if sr.Handle == nil {
		return fmt.Errorf("settlement %s has no gateway handle", sr.ID)
	}
	if s.Poller.Running(sr.ID) {
		return nil
	}
	return s.Poller.Start(sr, s)
}

func (s *settlementService) ReapplyEffects(ctx context.Context, id uuid.UUID) error {
	sr, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if sr.Status != model.SettlementConfirmed || sr.EffectsAppliedAt != nil {
		return nil
	}
	return s.applyEffects(ctx, sr)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (s *settlementService) find(ctx context.Context, id uuid.UUID) (*model.SettlementRequest, error) {
	sr, err := s.Settlements.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSettlementNotFound
	}
	return sr, err
}

func (s *settlementService) publish(ctx context.Context, sr *model.SettlementRequest, from, to model.SettlementStatus, reason, source string) {
	ev := infra.SettlementEvent{
		SettlementID: sr.ID.String(),
		OrderID:      sr.OrderID.String(),
		Gateway:      string(sr.Gateway),
		From:         string(from),
		To:           string(to),
		Amount:       sr.Amount.StringFixed(2),
		Reason:       reason,
		Source:       source,
		At:           time.Now().UTC(),
	}
	if err := s.Events.Publish(ctx, sr.ID.String(), ev); err != nil {
		log.Warn().Err(err).Str("settlement_id", sr.ID.String()).Msg("settlement: event publish failed")
	}
}

func (s *settlementService) journal(ctx context.Context, sr *model.SettlementRequest, op string, res *infra.InitiateResult, callErr error) {
	x := infra.GatewayExchange{
		SettlementID: sr.ID.String(),
		Gateway:      string(sr.Gateway),
		Operation:    op,
		Outcome:      "ok",
		At:           time.Now().UTC(),
	}
	if sr.Handle != nil {
		x.Handle = *sr.Handle
	}
	if res != nil {
		x.Handle = res.Handle
		x.Raw = string(res.Raw)
	}
	if callErr != nil {
		x.Outcome = "error"
		x.Error = callErr.Error()
	}
	if err := s.Journal.Record(ctx, x); err != nil {
		log.Warn().Err(err).Str("settlement_id", sr.ID.String()).Msg("settlement: journal write failed")
	}
}
