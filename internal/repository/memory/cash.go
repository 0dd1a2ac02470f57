// Package memory holds in-process repositories that honour the same
// uniqueness and compare-and-set rules as the SQL ones.
package memory

import (
	"context"
	"sort"
	"sync"

	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
)

type cashStore struct {
	sessions  map[uuid.UUID]model.CashSession
	movements []model.Movement
}

func (s *cashStore) snapshot() cashStore {
	cp := cashStore{sessions: make(map[uuid.UUID]model.CashSession, len(s.sessions))}
	for k, v := range s.sessions {
		cp.sessions[k] = v
	}
	cp.movements = append([]model.Movement(nil), s.movements...)
	return cp
}

// CashRepository serialises every call, and every Transaction, on one mutex.
type CashRepository struct {
	mu    sync.Mutex
	store cashStore
}

func NewCashRepository() *CashRepository {
	return &CashRepository{store: cashStore{sessions: map[uuid.UUID]model.CashSession{}}}
}

var _ repository.CashRepository = (*CashRepository)(nil)

func (r *CashRepository) Transaction(ctx context.Context, fn func(tx repository.CashRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := r.store.snapshot()
	if err := fn(&cashTx{store: &r.store}); err != nil {
		r.store = before
		return err
	}
	return nil
}

func (r *CashRepository) locked() (*cashTx, func()) {
	r.mu.Lock()
	return &cashTx{store: &r.store}, r.mu.Unlock
}

func (r *CashRepository) CreateSession(ctx context.Context, s *model.CashSession) error {
	tx, unlock := r.locked()
	defer unlock()
	return tx.CreateSession(ctx, s)
}

func (r *CashRepository) FindOpenSessionByTerminal(ctx context.Context, terminalID string) (*model.CashSession, error) {
	tx, unlock := r.locked()
	defer unlock()
	return tx.FindOpenSessionByTerminal(ctx, terminalID)
}

func (r *CashRepository) FindSessionByID(ctx context.Context, id uuid.UUID) (*model.CashSession, error) {
	tx, unlock := r.locked()
	defer unlock()
	return tx.FindSessionByID(ctx, id)
}

func (r *CashRepository) LockSession(ctx context.Context, id uuid.UUID) (*model.CashSession, error) {
	tx, unlock := r.locked()
	defer unlock()
	return tx.LockSession(ctx, id)
}

func (r *CashRepository) UpdateSession(ctx context.Context, s *model.CashSession) error {
	tx, unlock := r.locked()
	defer unlock()
	return tx.UpdateSession(ctx, s)
}

func (r *CashRepository) ListSessions(ctx context.Context, terminalID string, page, limit int) ([]model.CashSession, int64, error) {
	tx, unlock := r.locked()
	defer unlock()
	return tx.ListSessions(ctx, terminalID, page, limit)
}

func (r *CashRepository) CreateMovement(ctx context.Context, m *model.Movement) error {
	tx, unlock := r.locked()
	defer unlock()
	return tx.CreateMovement(ctx, m)
}

func (r *CashRepository) FindMovementByReference(ctx context.Context, referenceID uuid.UUID) (*model.Movement, error) {
	tx, unlock := r.locked()
	defer unlock()
	return tx.FindMovementByReference(ctx, referenceID)
}

func (r *CashRepository) ListMovements(ctx context.Context, sessionID uuid.UUID) ([]model.Movement, error) {
	tx, unlock := r.locked()
	defer unlock()
	return tx.ListMovements(ctx, sessionID)
}

// cashTx operates on the store with the caller already holding the mutex.
type cashTx struct{ store *cashStore }

func (t *cashTx) Transaction(ctx context.Context, fn func(tx repository.CashRepository) error) error {
	return fn(t)
}

func (t *cashTx) CreateSession(_ context.Context, s *model.CashSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, ok := t.store.sessions[s.ID]; ok {
		return repository.ErrDuplicate
	}
	if s.Status == model.SessionOpen {
		for _, other := range t.store.sessions {
			if other.TerminalID == s.TerminalID && other.Status == model.SessionOpen {
				return repository.ErrDuplicate
			}
		}
	}
	t.store.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (t *cashTx) FindOpenSessionByTerminal(_ context.Context, terminalID string) (*model.CashSession, error) {
	for _, s := range t.store.sessions {
		if s.TerminalID == terminalID && s.Status == model.SessionOpen {
			out := cloneSession(s)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *cashTx) FindSessionByID(ctx context.Context, id uuid.UUID) (*model.CashSession, error) {
	s, ok := t.store.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneSession(s)
	out.Movements, _ = t.ListMovements(ctx, id)
	return &out, nil
}

func (t *cashTx) LockSession(_ context.Context, id uuid.UUID) (*model.CashSession, error) {
	s, ok := t.store.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneSession(s)
	return &out, nil
}

func (t *cashTx) UpdateSession(_ context.Context, s *model.CashSession) error {
	if _, ok := t.store.sessions[s.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := cloneSession(*s)
	cp.Movements = nil
	t.store.sessions[s.ID] = cp
	return nil
}

func (t *cashTx) ListSessions(_ context.Context, terminalID string, page, limit int) ([]model.CashSession, int64, error) {
	var all []model.CashSession
	for _, s := range t.store.sessions {
		if terminalID == "" || s.TerminalID == terminalID {
			all = append(all, cloneSession(s))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OpenedAt.After(all[j].OpenedAt) })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []model.CashSession{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (t *cashTx) CreateMovement(_ context.Context, m *model.Movement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Kind == model.MovementSaleSettlement && m.ReferenceID != nil {
		for _, other := range t.store.movements {
			if other.Kind == model.MovementSaleSettlement && other.ReferenceID != nil && *other.ReferenceID == *m.ReferenceID {
				return repository.ErrDuplicate
			}
		}
	}
	t.store.movements = append(t.store.movements, *m)
	return nil
}

func (t *cashTx) FindMovementByReference(_ context.Context, referenceID uuid.UUID) (*model.Movement, error) {
	for _, m := range t.store.movements {
		if m.Kind == model.MovementSaleSettlement && m.ReferenceID != nil && *m.ReferenceID == referenceID {
			out := m
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *cashTx) ListMovements(_ context.Context, sessionID uuid.UUID) ([]model.Movement, error) {
	out := []model.Movement{}
	for _, m := range t.store.movements {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func cloneSession(s model.CashSession) model.CashSession {
	if s.SystemTotals != nil {
		s.SystemTotals = s.SystemTotals.Clone()
	}
	if s.DeclaredTotals != nil {
		s.DeclaredTotals = s.DeclaredTotals.Clone()
	}
	if s.TenderVariance != nil {
		s.TenderVariance = s.TenderVariance.Clone()
	}
	s.Movements = append([]model.Movement(nil), s.Movements...)
	return s
}
