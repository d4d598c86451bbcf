package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/repository"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
	"github.com/sge-platform/enrollment-api/pkg/jobs"
)

type fakeActiveLister struct {
	enrollments []models.Enrollment
	err         error
}

func (f *fakeActiveLister) ListActiveBySection(_ context.Context, _ string) ([]models.Enrollment, error) {
	return f.enrollments, f.err
}

type fakeRosterWriter struct {
	section *models.Section
	findErr error

	updatedRoster  []string
	updatedCount   int
	updatedVersion int64
	updateErr      error
	updates        int
}

func (f *fakeRosterWriter) FindByID(_ context.Context, _ string) (*models.Section, error) {
	return f.section, f.findErr
}

func (f *fakeRosterWriter) UpdateRosterCAS(_ context.Context, _ string, rosterIDs []string, count int, expectedVersion int64) error {
	f.updates++
	f.updatedRoster = rosterIDs
	f.updatedCount = count
	f.updatedVersion = expectedVersion
	return f.updateErr
}

func activeEnrollments(sectionID string, studentIDs ...string) []models.Enrollment {
	out := make([]models.Enrollment, 0, len(studentIDs))
	for _, id := range studentIDs {
		out = append(out, models.Enrollment{
			ID:        "enr-" + id,
			StudentID: id,
			SectionID: sectionID,
			PeriodID:  "period-1",
			Status:    models.EnrollmentStatusActive,
		})
	}
	return out
}

func TestReconcileNoDrift(t *testing.T) {
	writer := &fakeRosterWriter{section: sectionFixture([]string{"s1", "s2"}, 5)}
	lister := &fakeActiveLister{enrollments: activeEnrollments("section-1", "s1", "s2")}
	svc := NewReconcileService(lister, writer, nil, nil, nil, jobs.QueueConfig{})

	report, err := svc.Reconcile(context.Background(), "section-1")
	require.NoError(t, err)
	assert.False(t, report.Repaired)
	assert.Empty(t, report.AddedToRoster)
	assert.Empty(t, report.RemovedFromRoster)
	assert.Zero(t, writer.updates, "a clean projection is left untouched")
}

func TestReconcileRepairsDriftFromEnrollmentRows(t *testing.T) {
	// Projection lost s3 and kept a withdrawn s9; enrollment rows win.
	writer := &fakeRosterWriter{section: sectionFixture([]string{"s1", "s9"}, 5)}
	lister := &fakeActiveLister{enrollments: activeEnrollments("section-1", "s1", "s3")}
	cache := &fakeInvalidator{}
	svc := NewReconcileService(lister, writer, cache, nil, nil, jobs.QueueConfig{})

	report, err := svc.Reconcile(context.Background(), "section-1")
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, []string{"s3"}, report.AddedToRoster)
	assert.Equal(t, []string{"s9"}, report.RemovedFromRoster)
	assert.Equal(t, 2, report.EnrolledCount)

	assert.Equal(t, []string{"s1", "s3"}, writer.updatedRoster)
	assert.Equal(t, 2, writer.updatedCount)
	assert.Equal(t, int64(3), writer.updatedVersion, "repair uses the version read, not blind overwrite")
	require.Len(t, cache.calls, 1)
}

func TestReconcileRepairsCountOnlyDrift(t *testing.T) {
	section := sectionFixture([]string{"s1"}, 5)
	section.EnrolledCount = 4
	writer := &fakeRosterWriter{section: section}
	lister := &fakeActiveLister{enrollments: activeEnrollments("section-1", "s1")}
	svc := NewReconcileService(lister, writer, nil, nil, nil, jobs.QueueConfig{})

	report, err := svc.Reconcile(context.Background(), "section-1")
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, 1, writer.updatedCount)
}

func TestReconcileSectionNotFound(t *testing.T) {
	writer := &fakeRosterWriter{findErr: sql.ErrNoRows}
	svc := NewReconcileService(&fakeActiveLister{}, writer, nil, nil, nil, jobs.QueueConfig{})

	_, err := svc.Reconcile(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestReconcileVersionConflict(t *testing.T) {
	writer := &fakeRosterWriter{
		section:   sectionFixture([]string{"s1"}, 5),
		updateErr: repository.ErrVersionConflict,
	}
	lister := &fakeActiveLister{enrollments: activeEnrollments("section-1", "s1", "s2")}
	svc := NewReconcileService(lister, writer, nil, nil, nil, jobs.QueueConfig{})

	_, err := svc.Reconcile(context.Background(), "section-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConcurrencyConflict))
}
