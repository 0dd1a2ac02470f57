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

type SettlementRepository struct {
	mu          sync.Mutex
	requests    map[uuid.UUID]model.SettlementRequest
	transitions []model.SettlementTransition
}

func NewSettlementRepository() *SettlementRepository {
	return &SettlementRepository{requests: map[uuid.UUID]model.SettlementRequest{}}
}

var _ repository.SettlementRepository = (*SettlementRepository)(nil)

func (r *SettlementRepository) Create(_ context.Context, s *model.SettlementRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, ok := r.requests[s.ID]; ok {
		return repository.ErrDuplicate
	}
	if !s.Status.Terminal() {
		for _, other := range r.requests {
			if other.OrderID == s.OrderID && !other.Status.Terminal() {
				return repository.ErrDuplicate
			}
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = s.CreatedAt
	r.requests[s.ID] = *s
	return nil
}

func (r *SettlementRepository) FindByID(_ context.Context, id uuid.UUID) (*model.SettlementRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (r *SettlementRepository) FindByHandle(_ context.Context, gateway model.Gateway, handle string) (*model.SettlementRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *model.SettlementRequest
	for _, s := range r.requests {
		if s.Gateway == gateway && s.Handle != nil && *s.Handle == handle {
			if found == nil || s.CreatedAt.After(found.CreatedAt) {
				cp := s
				found = &cp
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *SettlementRepository) Transition(_ context.Context, in repository.TransitionInput) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.requests[in.ID]
	if !ok {
		return false, repository.ErrNotFound
	}
	allowed := false
	for _, f := range in.From {
		if s.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	from := s.Status
	s.Status = in.To
	s.UpdatedAt = in.At
	if in.Handle != nil {
		h := *in.Handle
		s.Handle = &h
	}
	if in.Reason != nil {
		reason := *in.Reason
		s.Reason = &reason
	}
	if in.To.Terminal() {
		at := in.At
		s.CompletedAt = &at
	}
	r.requests[in.ID] = s
	r.transitions = append(r.transitions, model.SettlementTransition{
		ID:           uuid.New(),
		SettlementID: in.ID,
		FromStatus:   from,
		ToStatus:     in.To,
		Reason:       in.Reason,
		Source:       in.Source,
		At:           in.At,
	})
	return true, nil
}

func (r *SettlementRepository) RecordPoll(_ context.Context, id uuid.UUID, attempts int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.requests[id]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	s.Attempts = attempts
	s.LastPolledAt = &at
	s.UpdatedAt = at
	r.requests[id] = s
	return true, nil
}

func (r *SettlementRepository) SetHandle(_ context.Context, id uuid.UUID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Handle == nil {
		s.Handle = &handle
		r.requests[id] = s
	}
	return nil
}

func (r *SettlementRepository) MarkEffectsApplied(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	if s.EffectsAppliedAt == nil {
		s.EffectsAppliedAt = &at
		r.requests[id] = s
	}
	return nil
}

func (r *SettlementRepository) ListInFlight(_ context.Context, limit int) ([]model.SettlementRequest, error) {
	return r.list(limit, func(s model.SettlementRequest) bool { return !s.Status.Terminal() }), nil
}

func (r *SettlementRepository) ListUnappliedConfirmed(_ context.Context, limit int) ([]model.SettlementRequest, error) {
	return r.list(limit, func(s model.SettlementRequest) bool {
		return s.Status == model.SettlementConfirmed && s.EffectsAppliedAt == nil
	}), nil
}

func (r *SettlementRepository) ListTransitions(_ context.Context, id uuid.UUID) ([]model.SettlementTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.SettlementTransition{}
	for _, t := range r.transitions {
		if t.SettlementID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *SettlementRepository) list(limit int, keep func(model.SettlementRequest) bool) []model.SettlementRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SettlementRequest
	for _, s := range r.requests {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
