package memory

import (
	"context"
	"sync"
	"time"

	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
)

type OrderRepository struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]model.Order
	paidHit map[uuid.UUID]int
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: map[uuid.UUID]model.Order{}, paidHit: map[uuid.UUID]int{}}
}

var _ repository.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Create(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if _, ok := r.orders[o.ID]; ok {
		return repository.ErrDuplicate
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = model.PaymentPending
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, id uuid.UUID) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (r *OrderRepository) MarkPaid(_ context.Context, id, settlementID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.IsPaid() {
		return false, nil
	}
	o.PaymentStatus = model.PaymentPaid
	o.SettlementID = &settlementID
	o.PaidAt = &at
	r.orders[id] = o
	r.paidHit[id]++
	return true, nil
}

// PaidTransitions counts how many times MarkPaid actually flipped the order.
func (r *OrderRepository) PaidTransitions(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paidHit[id]
}
