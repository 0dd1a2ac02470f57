package repository

import (
	"context"

	"pharmapos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CashRepository interface {
	// Transaction runs fn with a repository bound to a single database transaction.
	Transaction(ctx context.Context, fn func(tx CashRepository) error) error
	CreateSession(ctx context.Context, s *model.CashSession) error
	FindOpenSessionByTerminal(ctx context.Context, terminalID string) (*model.CashSession, error)
	FindSessionByID(ctx context.Context, id uuid.UUID) (*model.CashSession, error)
	// LockSession reads the session with a row lock held until the transaction ends.
	LockSession(ctx context.Context, id uuid.UUID) (*model.CashSession, error)
	UpdateSession(ctx context.Context, s *model.CashSession) error
	ListSessions(ctx context.Context, terminalID string, page, limit int) ([]model.CashSession, int64, error)
	CreateMovement(ctx context.Context, m *model.Movement) error
	FindMovementByReference(ctx context.Context, referenceID uuid.UUID) (*model.Movement, error)
	ListMovements(ctx context.Context, sessionID uuid.UUID) ([]model.Movement, error)
}

type cashRepo struct{ db *gorm.DB }

func NewCashRepository(db *gorm.DB) CashRepository { return &cashRepo{db: db} }

func (r *cashRepo) Transaction(ctx context.Context, fn func(tx CashRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&cashRepo{db: tx})
	})
}

func (r *cashRepo) CreateSession(ctx context.Context, s *model.CashSession) error {
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Create(s).Error)
}

func (r *cashRepo) FindOpenSessionByTerminal(ctx context.Context, terminalID string) (*model.CashSession, error) {
	var s model.CashSession
	err := r.db.WithContext(ctx).
		Where("terminal_id = ? AND status = ?", terminalID, model.SessionOpen).
		First(&s).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *cashRepo) FindSessionByID(ctx context.Context, id uuid.UUID) (*model.CashSession, error) {
	var s model.CashSession
	err := r.db.WithContext(ctx).
		Preload("Movements", func(db *gorm.DB) *gorm.DB { return db.Order("recorded_at ASC") }).
		First(&s, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *cashRepo) LockSession(ctx context.Context, id uuid.UUID) (*model.CashSession, error) {
	var s model.CashSession
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&s, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *cashRepo) UpdateSession(ctx context.Context, s *model.CashSession) error {
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Save(s).Error)
}

func (r *cashRepo) ListSessions(ctx context.Context, terminalID string, page, limit int) ([]model.CashSession, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.CashSession{})
	if terminalID != "" {
		q = q.Where("terminal_id = ?", terminalID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var sessions []model.CashSession
	err := q.Order("opened_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&sessions).Error
	return sessions, total, err
}

func (r *cashRepo) CreateMovement(ctx context.Context, m *model.Movement) error {
	return translate(r.db.WithContext(ctx).Create(m).Error)
}

func (r *cashRepo) FindMovementByReference(ctx context.Context, referenceID uuid.UUID) (*model.Movement, error) {
	var m model.Movement
	err := r.db.WithContext(ctx).
		Where("reference_id = ? AND kind = ?", referenceID, model.MovementSaleSettlement).
		First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *cashRepo) ListMovements(ctx context.Context, sessionID uuid.UUID) ([]model.Movement, error) {
	var movs []model.Movement
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("recorded_at ASC").Find(&movs).Error
	return movs, err
}
