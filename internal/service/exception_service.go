package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"pharmapos/internal/dto"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type ExceptionService interface {
	List(ctx context.Context, status string, page, limit int) (*dto.ExceptionListResponse, error)
	Resolve(ctx context.Context, id, resolvedBy uuid.UUID, req dto.ResolveExceptionRequest) (*dto.ExceptionResponse, error)
}

type exceptionService struct {
	repo repository.ExceptionRepository
}

func NewExceptionService(repo repository.ExceptionRepository) ExceptionService {
	return &exceptionService{repo: repo}
}

func (s *exceptionService) List(ctx context.Context, status string, page, limit int) (*dto.ExceptionListResponse, error) {
	page, limit = normalizePage(page, limit)
	items, total, err := s.repo.List(ctx, model.ExceptionStatus(strings.ToUpper(status)), page, limit)
	if err != nil {
		return nil, err
	}
	out := &dto.ExceptionListResponse{Data: make([]dto.ExceptionResponse, 0, len(items)), Total: total, Page: page, Limit: limit}
	for i := range items {
		out.Data = append(out.Data, toExceptionResponse(&items[i]))
	}
	return out, nil
}

func (s *exceptionService) Resolve(ctx context.Context, id, resolvedBy uuid.UUID, req dto.ResolveExceptionRequest) (*dto.ExceptionResponse, error) {
	ok, err := s.repo.Resolve(ctx, id, resolvedBy, req.Resolution, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	e, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrExceptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExceptionResolved
	}
	log.Info().Str("exception_id", id.String()).Str("resolved_by", resolvedBy.String()).Msg("reconciliation: exception resolved")
	resp := toExceptionResponse(e)
	return &resp, nil
}
