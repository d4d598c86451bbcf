package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/repository"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
	"github.com/sge-platform/enrollment-api/pkg/jobs"
)

type activeEnrollmentLister interface {
	ListActiveBySection(ctx context.Context, sectionID string) ([]models.Enrollment, error)
}

type rosterWriter interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
	UpdateRosterCAS(ctx context.Context, sectionID string, rosterIDs []string, count int, expectedVersion int64) error
}

const jobKindReconcile = "roster.reconcile"

// ReconcileReport summarizes one reconciliation run for a section.
type ReconcileReport struct {
	SectionID         string   `json:"section_id"`
	Repaired          bool     `json:"repaired"`
	AddedToRoster     []string `json:"added_to_roster,omitempty"`
	RemovedFromRoster []string `json:"removed_from_roster,omitempty"`
	EnrolledCount     int      `json:"enrolled_count"`
}

// ReconcileService rebuilds the denormalized roster projection from the
// enrollment rows, which are the source of truth. Drift can appear after a
// crash between partial writes or after manual data fixes; the reconciler
// makes the projection converge without touching enrollment rows.
type ReconcileService struct {
	enrollments activeEnrollmentLister
	sections    rosterWriter
	cache       RosterInvalidator
	metrics     *MetricsService
	logger      *zap.Logger
	queue       *jobs.Queue
}

// NewReconcileService constructs ReconcileService and its backing queue.
// Call Start before enqueuing and Stop on shutdown.
func NewReconcileService(enrollments activeEnrollmentLister, sections rosterWriter, cache RosterInvalidator, metrics *MetricsService, logger *zap.Logger, cfg jobs.QueueConfig) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ReconcileService{
		enrollments: enrollments,
		sections:    sections,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
	}
	cfg.Logger = logger
	s.queue = jobs.NewQueue("roster-reconciler", s.handle, cfg)
	return s
}

// Start begins background processing.
func (s *ReconcileService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the background queue.
func (s *ReconcileService) Stop() {
	s.queue.Stop()
}

// Enqueue schedules an asynchronous reconciliation for a section.
func (s *ReconcileService) Enqueue(sectionID string) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Kind:    jobKindReconcile,
		Payload: sectionID,
	})
}

// Reconcile rebuilds one section's roster projection synchronously and
// reports what changed.
func (s *ReconcileService) Reconcile(ctx context.Context, sectionID string) (*ReconcileReport, error) {
	section, err := s.sections.FindByID(ctx, sectionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}

	active, err := s.enrollments.ListActiveBySection(ctx, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active enrollments")
	}

	truth := make([]string, 0, len(active))
	truthSet := make(map[string]struct{}, len(active))
	for _, enrollment := range active {
		truth = append(truth, enrollment.StudentID)
		truthSet[enrollment.StudentID] = struct{}{}
	}

	report := &ReconcileReport{SectionID: sectionID, EnrolledCount: len(truth)}

	projected := make(map[string]struct{}, len(section.RosterIDs))
	for _, id := range section.RosterIDs {
		projected[id] = struct{}{}
		if _, ok := truthSet[id]; !ok {
			report.RemovedFromRoster = append(report.RemovedFromRoster, id)
		}
	}
	for _, id := range truth {
		if _, ok := projected[id]; !ok {
			report.AddedToRoster = append(report.AddedToRoster, id)
		}
	}
	sort.Strings(report.AddedToRoster)
	sort.Strings(report.RemovedFromRoster)

	drift := len(report.AddedToRoster) > 0 || len(report.RemovedFromRoster) > 0 ||
		section.EnrolledCount != len(truth)
	if !drift {
		return report, nil
	}

	if err := s.sections.UpdateRosterCAS(ctx, sectionID, truth, len(truth), section.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "section changed during reconciliation")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to repair roster")
	}

	report.Repaired = true
	s.metrics.RecordRosterRepair()
	s.logger.Info("roster projection repaired",
		zap.String("section_id", sectionID),
		zap.Int("added", len(report.AddedToRoster)),
		zap.Int("removed", len(report.RemovedFromRoster)),
		zap.Int("enrolled_count", len(truth)),
	)

	s.invalidate(ctx, sectionID, section.PeriodID)
	return report, nil
}

func (s *ReconcileService) handle(ctx context.Context, job jobs.Job) error {
	sectionID, ok := job.Payload.(string)
	if !ok || sectionID == "" {
		s.logger.Warn("reconcile job with invalid payload", zap.String("job_id", job.ID))
		return nil
	}
	_, err := s.Reconcile(ctx, sectionID)
	if appErrors.Is(err, appErrors.ErrNotFound) {
		// Section deleted after the job was enqueued; nothing to repair.
		return nil
	}
	return err
}

func (s *ReconcileService) invalidate(ctx context.Context, sectionID, periodID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSection(ctx, sectionID, periodID); err != nil {
		s.logger.Warn("roster cache invalidation failed", zap.String("section_id", sectionID), zap.Error(err))
	}
}
