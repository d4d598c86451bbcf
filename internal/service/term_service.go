package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/sge-platform/enrollment-api/internal/models"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
)

type termStore interface {
	ListActive(ctx context.Context) ([]models.ActiveTerm, error)
}

// TermService resolves the single globally-active term. Zero or multiple
// ACTIVE terms is a data-integrity anomaly; the service fails closed
// instead of guessing.
type TermService struct {
	terms  termStore
	logger *zap.Logger
}

// NewTermService constructs TermService.
func NewTermService(terms termStore, logger *zap.Logger) *TermService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TermService{terms: terms, logger: logger}
}

// GetActiveTerm returns the active term after checking that its owning
// period is open for enrollment.
func (s *TermService) GetActiveTerm(ctx context.Context) (*models.ActiveTerm, error) {
	terms, err := s.terms.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve active term")
	}
	switch len(terms) {
	case 1:
	case 0:
		return nil, appErrors.Clone(appErrors.ErrNoActiveTerm, "no active term configured")
	default:
		ids := make([]string, len(terms))
		for i, t := range terms {
			ids[i] = t.ID
		}
		s.logger.Error("multiple active terms found", zap.Strings("term_ids", ids))
		return nil, appErrors.Clone(appErrors.ErrNoActiveTerm, "multiple active terms configured")
	}

	term := terms[0]
	if term.PeriodStatus != models.PeriodStatusActive {
		return nil, appErrors.Clone(appErrors.ErrNoActiveTerm, "owning period is not open for enrollment")
	}
	return &term, nil
}
