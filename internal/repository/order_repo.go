package repository

import (
	"context"
	"time"

	"pharmapos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OrderRepository interface {
	Create(ctx context.Context, o *model.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	// MarkPaid flips PENDING to PAID once. Reports whether this call did it.
	MarkPaid(ctx context.Context, id, settlementID uuid.UUID, at time.Time) (bool, error)
}

type orderRepo struct{ db *gorm.DB }

func NewOrderRepository(db *gorm.DB) OrderRepository { return &orderRepo{db: db} }

func (r *orderRepo) Create(ctx context.Context, o *model.Order) error {
	return translate(r.db.WithContext(ctx).Create(o).Error)
}

func (r *orderRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o model.Order
	if err := r.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (r *orderRepo) MarkPaid(ctx context.Context, id, settlementID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status <> ?", id, model.PaymentPaid).
		Updates(map[string]interface{}{
			"payment_status": model.PaymentPaid,
			"settlement_id":  settlementID,
			"paid_at":        at,
		})
	return res.RowsAffected == 1, res.Error
}
