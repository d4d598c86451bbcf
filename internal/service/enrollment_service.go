package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/repository"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
)

type enrollmentStore interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]models.Enrollment, error)
	ListActiveConflicts(ctx context.Context, periodID, sectionID string, studentIDs []string) ([]string, error)
	ApplyEnrollBatch(ctx context.Context, params repository.EnrollBatchParams) (*repository.EnrollBatchOutcome, error)
	ApplyWithdrawBatch(ctx context.Context, params repository.WithdrawSectionParams) (*repository.WithdrawSectionOutcome, error)
}

type sectionReader interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
}

type studentDirectory interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error)
}

type activeTermResolver interface {
	GetActiveTerm(ctx context.Context) (*models.ActiveTerm, error)
}

type historyRecorder interface {
	Record(ctx context.Context, entry *models.TransferHistoryEntry) error
	ListByStudent(ctx context.Context, studentID, periodID string, limit int) ([]models.TransferHistoryEntry, error)
}

// RosterInvalidator drops cached roster payloads after a mutation. A nil
// value disables invalidation together with the cache itself.
type RosterInvalidator interface {
	InvalidateSection(ctx context.Context, sectionID, periodID string) error
}

// EnrollBatchRequest describes a batch enrollment into one section.
type EnrollBatchRequest struct {
	SectionID  string   `json:"section_id" validate:"required"`
	StudentIDs []string `json:"student_ids" validate:"required,min=1,dive,required"`
	Reason     string   `json:"reason"`
}

// EnrollBatchResult reports a committed enrollment batch.
type EnrollBatchResult struct {
	SectionID       string   `json:"section_id"`
	TermID          string   `json:"term_id"`
	Enrolled        int      `json:"enrolled"`
	Reactivated     int      `json:"reactivated"`
	AlreadyEnrolled []string `json:"already_enrolled,omitempty"`
	RosterIDs       []string `json:"roster_ids"`
	EnrolledCount   int      `json:"enrolled_count"`
	AvailableSeats  int      `json:"available_seats"`
}

// WithdrawBatchRequest describes a batch withdrawal by enrollment id.
type WithdrawBatchRequest struct {
	EnrollmentIDs []string `json:"enrollment_ids" validate:"required,min=1,dive,required"`
	Reason        string   `json:"reason"`
}

// WithdrawFailure reports one enrollment the batch could not withdraw.
type WithdrawFailure struct {
	EnrollmentID string `json:"enrollment_id"`
	Reason       string `json:"reason"`
}

// WithdrawBatchResult reports per-id outcomes of a withdrawal batch.
type WithdrawBatchResult struct {
	Withdrawn        []string          `json:"withdrawn"`
	AlreadyWithdrawn []string          `json:"already_withdrawn,omitempty"`
	NotFound         []string          `json:"not_found,omitempty"`
	Failed           []WithdrawFailure `json:"failed,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
}

// EnrollmentService coordinates batch enrollment and withdrawal across the
// section registry, enrollment store, active-term resolver and history log.
// Validation happens fully before mutation; the mutation itself runs inside
// a per-section transaction in the store, so a rejected or conflicted batch
// has no observable side effects.
type EnrollmentService struct {
	store     enrollmentStore
	sections  sectionReader
	students  studentDirectory
	terms     activeTermResolver
	history   historyRecorder
	cache     RosterInvalidator
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentService constructs EnrollmentService. cache and metrics may
// be nil.
func NewEnrollmentService(store enrollmentStore, sections sectionReader, students studentDirectory, terms activeTermResolver, history historyRecorder, cache RosterInvalidator, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		store:     store,
		sections:  sections,
		students:  students,
		terms:     terms,
		history:   history,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
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
	return enrollments, pagination, nil
}

// Get returns one enrollment with contextual info.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.store.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// History returns a student's transfer history, newest first.
func (s *EnrollmentService) History(ctx context.Context, studentID, periodID string, limit int) ([]models.TransferHistoryEntry, error) {
	entries, err := s.history.ListByStudent(ctx, studentID, periodID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load transfer history")
	}
	return entries, nil
}

// EnrollBatch enrolls the given students into a section. The batch is
// all-or-nothing: it is rejected as a whole when capacity would be exceeded
// or when any student is already actively enrolled in another section of
// the period.
func (s *EnrollmentService) EnrollBatch(ctx context.Context, req EnrollBatchRequest) (*EnrollBatchResult, error) {
	start := s.now()
	result, err := s.enrollBatch(ctx, req)
	s.metrics.ObserveBatch("enroll", batchOutcome(err), s.now().Sub(start))
	if err == nil {
		s.metrics.AddEnrolled(result.Enrolled + result.Reactivated)
	}
	return result, err
}

func (s *EnrollmentService) enrollBatch(ctx context.Context, req EnrollBatchRequest) (*EnrollBatchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	studentIDs := dedupe(req.StudentIDs)

	term, err := s.terms.GetActiveTerm(ctx)
	if err != nil {
		return nil, err
	}

	section, err := s.sections.FindByID(ctx, req.SectionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	if section.PeriodID != term.PeriodID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "section does not belong to the active period")
	}

	known, err := s.students.FindByIDs(ctx, studentIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	var missing, inactive []string
	for _, id := range studentIDs {
		student, ok := known[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if !student.Active {
			inactive = append(inactive, id)
		}
	}
	if len(missing) > 0 {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrNotFound, "unknown students"), map[string]interface{}{"student_ids": missing})
	}
	if len(inactive) > 0 {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "inactive students cannot be enrolled"), map[string]interface{}{"student_ids": inactive})
	}

	var toAdd, alreadyEnrolled []string
	for _, id := range studentIDs {
		if section.HasStudent(id) {
			alreadyEnrolled = append(alreadyEnrolled, id)
		} else {
			toAdd = append(toAdd, id)
		}
	}

	if len(toAdd) == 0 {
		return &EnrollBatchResult{
			SectionID:       section.ID,
			TermID:          term.ID,
			AlreadyEnrolled: alreadyEnrolled,
			RosterIDs:       section.RosterIDs,
			EnrolledCount:   section.EnrolledCount,
			AvailableSeats:  section.AvailableSeats(),
		}, nil
	}

	available := section.AvailableSeats()
	if len(toAdd) > available {
		return nil, appErrors.WithDetails(appErrors.ErrCapacityExceeded, map[string]interface{}{"available_seats": available})
	}

	conflicts, err := s.store.ListActiveConflicts(ctx, section.PeriodID, section.ID, toAdd)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollments")
	}
	if len(conflicts) > 0 {
		return nil, appErrors.WithDetails(appErrors.ErrDuplicateEnrollment, map[string]interface{}{"student_ids": conflicts})
	}

	outcome, err := s.store.ApplyEnrollBatch(ctx, repository.EnrollBatchParams{
		SectionID:  section.ID,
		PeriodID:   section.PeriodID,
		TermID:     term.ID,
		StudentIDs: toAdd,
		Now:        s.now(),
	})
	if err != nil {
		return nil, s.mapEnrollError(err)
	}

	s.invalidate(ctx, section.ID, section.PeriodID)
	s.logger.Info("enroll batch committed",
		zap.String("section_id", section.ID),
		zap.String("term_id", term.ID),
		zap.Int("created", len(outcome.Created)),
		zap.Int("reactivated", len(outcome.Reactivated)),
	)

	return &EnrollBatchResult{
		SectionID:       section.ID,
		TermID:          term.ID,
		Enrolled:        len(outcome.Created),
		Reactivated:     len(outcome.Reactivated),
		AlreadyEnrolled: alreadyEnrolled,
		RosterIDs:       outcome.Section.RosterIDs,
		EnrolledCount:   outcome.Section.EnrolledCount,
		AvailableSeats:  outcome.Section.AvailableSeats(),
	}, nil
}

// WithdrawBatch withdraws the given enrollments. Each id is processed
// independently: unknown ids and section-level failures are reported
// without aborting the remainder. History appends are best-effort and
// surface as warnings only.
func (s *EnrollmentService) WithdrawBatch(ctx context.Context, req WithdrawBatchRequest) (*WithdrawBatchResult, error) {
	start := s.now()
	result, err := s.withdrawBatch(ctx, req)
	s.metrics.ObserveBatch("withdraw", batchOutcome(err), s.now().Sub(start))
	if err == nil {
		s.metrics.AddWithdrawn(len(result.Withdrawn))
	}
	return result, err
}

func (s *EnrollmentService) withdrawBatch(ctx context.Context, req WithdrawBatchRequest) (*WithdrawBatchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid withdrawal payload")
	}
	ids := dedupe(req.EnrollmentIDs)

	found, err := s.store.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollments")
	}

	result := &WithdrawBatchResult{}
	bySection := make(map[string][]models.Enrollment)
	for _, id := range ids {
		enrollment, ok := found[id]
		if !ok {
			result.NotFound = append(result.NotFound, id)
			continue
		}
		if enrollment.Status == models.EnrollmentStatusWithdrawn {
			result.AlreadyWithdrawn = append(result.AlreadyWithdrawn, id)
			continue
		}
		bySection[enrollment.SectionID] = append(bySection[enrollment.SectionID], enrollment)
	}

	now := s.now()
	for sectionID, enrollments := range bySection {
		outcome, err := s.store.ApplyWithdrawBatch(ctx, repository.WithdrawSectionParams{
			SectionID:   sectionID,
			Enrollments: enrollments,
			Now:         now,
		})
		if err != nil {
			reason := s.withdrawFailureReason(err)
			for _, enrollment := range enrollments {
				result.Failed = append(result.Failed, WithdrawFailure{EnrollmentID: enrollment.ID, Reason: reason})
			}
			s.logger.Error("withdraw batch failed for section",
				zap.String("section_id", sectionID),
				zap.Int("enrollments", len(enrollments)),
				zap.Error(err),
			)
			continue
		}

		for _, withdrawn := range outcome.Withdrawn {
			result.Withdrawn = append(result.Withdrawn, withdrawn.ID)
		}

		// History follows the committed transition so an entry never
		// describes a withdrawal that rolled back. Appends are
		// best-effort by contract.
		for _, withdrawn := range outcome.Withdrawn {
			fromSection := withdrawn.SectionID
			entry := &models.TransferHistoryEntry{
				StudentID:     withdrawn.StudentID,
				PeriodID:      withdrawn.PeriodID,
				FromSectionID: &fromSection,
				ToSectionID:   nil,
				ChangedAt:     now,
				Reason:        req.Reason,
			}
			if err := s.history.Record(ctx, entry); err != nil {
				s.metrics.RecordHistoryFailure()
				warning := "history append failed for enrollment " + withdrawn.ID
				result.Warnings = append(result.Warnings, warning)
				s.logger.Warn("transfer history append failed",
					zap.String("enrollment_id", withdrawn.ID),
					zap.String("student_id", withdrawn.StudentID),
					zap.Error(err),
				)
			}
		}

		s.invalidate(ctx, sectionID, enrollments[0].PeriodID)
	}

	return result, nil
}

func (s *EnrollmentService) mapEnrollError(err error) error {
	var capacityErr *repository.CapacityError
	if errors.As(err, &capacityErr) {
		return appErrors.WithDetails(appErrors.ErrCapacityExceeded, map[string]interface{}{"available_seats": capacityErr.Available})
	}
	var duplicateErr *repository.DuplicateActiveError
	if errors.As(err, &duplicateErr) {
		return appErrors.WithDetails(appErrors.ErrDuplicateEnrollment, map[string]interface{}{"student_ids": duplicateErr.StudentIDs})
	}
	if errors.Is(err, repository.ErrVersionConflict) {
		return appErrors.Clone(appErrors.ErrConcurrencyConflict, "")
	}
	if err == sql.ErrNoRows {
		return appErrors.Clone(appErrors.ErrNotFound, "section not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply enrollment batch")
}

func (s *EnrollmentService) withdrawFailureReason(err error) string {
	if errors.Is(err, repository.ErrVersionConflict) {
		return appErrors.ErrConcurrencyConflict.Code
	}
	if err == sql.ErrNoRows {
		return appErrors.ErrNotFound.Code
	}
	return appErrors.ErrInternal.Code
}

func (s *EnrollmentService) invalidate(ctx context.Context, sectionID, periodID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSection(ctx, sectionID, periodID); err != nil {
		s.logger.Warn("roster cache invalidation failed", zap.String("section_id", sectionID), zap.Error(err))
	}
}

func batchOutcome(err error) string {
	if err == nil {
		return BatchOutcomeSuccess
	}
	switch {
	case appErrors.Is(err, appErrors.ErrCapacityExceeded):
		return BatchOutcomeCapacity
	case appErrors.Is(err, appErrors.ErrDuplicateEnrollment):
		return BatchOutcomeDuplicate
	case appErrors.Is(err, appErrors.ErrConcurrencyConflict):
		return BatchOutcomeConflict
	case appErrors.Is(err, appErrors.ErrValidation), appErrors.Is(err, appErrors.ErrNotFound), appErrors.Is(err, appErrors.ErrNoActiveTerm):
		return BatchOutcomeRejected
	default:
		return BatchOutcomeError
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
