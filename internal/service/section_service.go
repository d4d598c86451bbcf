package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/repository"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
)

type sectionStore interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
	List(ctx context.Context, filter models.SectionFilter) ([]models.Section, int, error)
}

// RosterCache is the cache surface the section read path uses. A nil value
// disables caching.
type RosterCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// SectionService exposes section reads. Downstream consumers (attendance,
// grading) read rosters through here; the roster cache is invalidated by
// the enrollment coordinator after every roster mutation.
type SectionService struct {
	sections sectionStore
	cache    RosterCache
	cacheTTL time.Duration
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewSectionService constructs SectionService. cache may be nil, disabling
// the read-side cache.
func NewSectionService(sections sectionStore, cache RosterCache, cacheTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *SectionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &SectionService{sections: sections, cache: cache, cacheTTL: cacheTTL, metrics: metrics, logger: logger}
}

// Get returns one section.
func (s *SectionService) Get(ctx context.Context, id string) (*models.Section, error) {
	section, err := s.sections.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	return section, nil
}

// List returns sections with pagination metadata. Level and grade filters
// run server-side.
func (s *SectionService) List(ctx context.Context, filter models.SectionFilter) ([]models.Section, *models.Pagination, error) {
	sections, total, err := s.sections.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sections")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return sections, pagination, nil
}

// Roster returns the authoritative roster of a section, serving from cache
// when possible.
func (s *SectionService) Roster(ctx context.Context, sectionID string) ([]string, error) {
	key := repository.RosterKey(sectionID)
	if s.cache != nil {
		start := time.Now()
		var cached []string
		err := s.cache.Get(ctx, key, &cached)
		s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		if err == nil {
			return cached, nil
		}
		if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("roster cache read failed", zap.String("section_id", sectionID), zap.Error(err))
		}
	}

	section, err := s.Get(ctx, sectionID)
	if err != nil {
		return nil, err
	}
	roster := []string(section.RosterIDs)

	if s.cache != nil {
		start := time.Now()
		if err := s.cache.Set(ctx, key, roster, s.cacheTTL); err != nil {
			s.logger.Warn("roster cache write failed", zap.String("section_id", sectionID), zap.Error(err))
		}
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	return roster, nil
}

// InvalidateSection drops cached payloads for a section and its period
// listing. Called by the coordinator after roster mutations.
func (s *SectionService) InvalidateSection(ctx context.Context, sectionID, periodID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, repository.RosterKey(sectionID)); err != nil {
		return err
	}
	if periodID != "" {
		return s.cache.DeleteByPattern(ctx, repository.SectionListKey(periodID)+"*")
	}
	return nil
}
