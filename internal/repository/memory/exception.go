package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
)

type ExceptionRepository struct {
	mu    sync.Mutex
	items map[uuid.UUID]model.ReconciliationException
}

func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{items: map[uuid.UUID]model.ReconciliationException{}}
}

var _ repository.ExceptionRepository = (*ExceptionRepository)(nil)

func (r *ExceptionRepository) Create(_ context.Context, e *model.ReconciliationException) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.items {
		if other.SettlementID == e.SettlementID && other.Kind == e.Kind {
			return repository.ErrDuplicate
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.ExceptionOpen
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.items[e.ID] = *e
	return nil
}

func (r *ExceptionRepository) FindByID(_ context.Context, id uuid.UUID) (*model.ReconciliationException, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (r *ExceptionRepository) List(_ context.Context, status model.ExceptionStatus, page, limit int) ([]model.ReconciliationException, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []model.ReconciliationException
	for _, e := range r.items {
		if status == "" || e.Status == status {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []model.ReconciliationException{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *ExceptionRepository) Resolve(_ context.Context, id, by uuid.UUID, resolution string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok || e.Status != model.ExceptionOpen {
		return false, nil
	}
	e.Status = model.ExceptionResolved
	e.Resolution = &resolution
	e.ResolvedBy = &by
	e.ResolvedAt = &at
	r.items[id] = e
	return true, nil
}
