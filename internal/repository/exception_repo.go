package repository

import (
	"context"
	"time"

	"pharmapos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ExceptionRepository interface {
	// Create fails with ErrDuplicate when (settlement_id, kind) already exists.
	Create(ctx context.Context, e *model.ReconciliationException) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ReconciliationException, error)
	List(ctx context.Context, status model.ExceptionStatus, page, limit int) ([]model.ReconciliationException, int64, error)
	Resolve(ctx context.Context, id, by uuid.UUID, resolution string, at time.Time) (bool, error)
}

type exceptionRepo struct{ db *gorm.DB }

func NewExceptionRepository(db *gorm.DB) ExceptionRepository { return &exceptionRepo{db: db} }

func (r *exceptionRepo) Create(ctx context.Context, e *model.ReconciliationException) error {
	return translate(r.db.WithContext(ctx).Create(e).Error)
}

func (r *exceptionRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.ReconciliationException, error) {
	var e model.ReconciliationException
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (r *exceptionRepo) List(ctx context.Context, status model.ExceptionStatus, page, limit int) ([]model.ReconciliationException, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.ReconciliationException{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []model.ReconciliationException
	err := q.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&out).Error
	return out, total, err
}

func (r *exceptionRepo) Resolve(ctx context.Context, id, by uuid.UUID, resolution string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.ReconciliationException{}).
		Where("id = ? AND status = ?", id, model.ExceptionOpen).
		Updates(map[string]interface{}{
			"status":      model.ExceptionResolved,
			"resolution":  resolution,
			"resolved_by": by,
			"resolved_at": at,
		})
	return res.RowsAffected == 1, res.Error
}
