package repository

import (
	"context"
	"time"

	"pharmapos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransitionInput describes a compare-and-set status change.
type TransitionInput struct {
	ID     uuid.UUID
	From   []model.SettlementStatus
	To     model.SettlementStatus
	Handle *string
	Reason *string
	Source string
	At     time.Time
}

type SettlementRepository interface {
	// Create fails with ErrDuplicate when the order already has an in-flight request.
	Create(ctx context.Context, s *model.SettlementRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.SettlementRequest, error)
	FindByHandle(ctx context.Context, gateway model.Gateway, handle string) (*model.SettlementRequest, error)
	// Transition moves the request to in.To only if its current status is one of
	// in.From, appending a history row in the same transaction. Reports whether it won.
	Transition(ctx context.Context, in TransitionInput) (bool, error)
	// RecordPoll stores the attempt counter while the request is still in flight.
	RecordPoll(ctx context.Context, id uuid.UUID, attempts int, at time.Time) (bool, error)
	// SetHandle stores the gateway handle regardless of status, unless one is already set.
	SetHandle(ctx context.Context, id uuid.UUID, handle string) error
	MarkEffectsApplied(ctx context.Context, id uuid.UUID, at time.Time) error
	ListInFlight(ctx context.Context, limit int) ([]model.SettlementRequest, error)
	ListUnappliedConfirmed(ctx context.Context, limit int) ([]model.SettlementRequest, error)
	ListTransitions(ctx context.Context, id uuid.UUID) ([]model.SettlementTransition, error)
}

type settlementRepo struct{ db *gorm.DB }

func NewSettlementRepository(db *gorm.DB) SettlementRepository { return &settlementRepo{db: db} }

func (r *settlementRepo) Create(ctx context.Context, s *model.SettlementRequest) error {
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Create(s).Error)
}

func (r *settlementRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.SettlementRequest, error) {
	var s model.SettlementRequest
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *settlementRepo) FindByHandle(ctx context.Context, gateway model.Gateway, handle string) (*model.SettlementRequest, error) {
	var s model.SettlementRequest
	err := r.db.WithContext(ctx).Where("gateway = ? AND handle = ?", gateway, handle).
		Order("created_at DESC").First(&s).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *settlementRepo) Transition(ctx context.Context, in TransitionInput) (bool, error) {
	won := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.SettlementRequest
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").First(&cur, "id = ?", in.ID).Error
		if err != nil {
			return translate(err)
		}
		if !statusIn(cur.Status, in.From) {
			return nil
		}

		updates := map[string]interface{}{"status": in.To, "updated_at": in.At}
		if in.Handle != nil {
			updates["handle"] = *in.Handle
		}
		if in.Reason != nil {
			updates["reason"] = *in.Reason
		}
		if in.To.Terminal() {
			updates["completed_at"] = in.At
		}
		res := tx.Model(&model.SettlementRequest{}).
			Where("id = ? AND status = ?", in.ID, cur.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		if err := tx.Create(&model.SettlementTransition{
			SettlementID: in.ID,
			FromStatus:   cur.Status,
			ToStatus:     in.To,
			Reason:       in.Reason,
			Source:       in.Source,
			At:           in.At,
		}).Error; err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (r *settlementRepo) RecordPoll(ctx context.Context, id uuid.UUID, attempts int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SettlementRequest{}).
		Where("id = ? AND status IN ?", id, model.InFlightStatuses).
		Updates(map[string]interface{}{"attempts": attempts, "last_polled_at": at, "updated_at": at})
	return res.RowsAffected == 1, res.Error
}

func (r *settlementRepo) SetHandle(ctx context.Context, id uuid.UUID, handle string) error {
	return r.db.WithContext(ctx).Model(&model.SettlementRequest{}).
		Where("id = ? AND handle IS NULL", id).
		Update("handle", handle).Error
}

func (r *settlementRepo) MarkEffectsApplied(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.SettlementRequest{}).
		Where("id = ? AND effects_applied_at IS NULL", id).
		Update("effects_applied_at", at).Error
}

func (r *settlementRepo) ListInFlight(ctx context.Context, limit int) ([]model.SettlementRequest, error) {
	var out []model.SettlementRequest
	err := r.db.WithContext(ctx).Where("status IN ?", model.InFlightStatuses).
		Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *settlementRepo) ListUnappliedConfirmed(ctx context.Context, limit int) ([]model.SettlementRequest, error) {
	var out []model.SettlementRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND effects_applied_at IS NULL", model.SettlementConfirmed).
		Order("completed_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *settlementRepo) ListTransitions(ctx context.Context, id uuid.UUID) ([]model.SettlementTransition, error) {
	var out []model.SettlementTransition
	err := r.db.WithContext(ctx).Where("settlement_id = ?", id).Order("at ASC").Find(&out).Error
	return out, err
}

func statusIn(s model.SettlementStatus, set []model.SettlementStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
