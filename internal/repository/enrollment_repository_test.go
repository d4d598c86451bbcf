package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sge-platform/enrollment-api/internal/models"
)

func enrollmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "student_id", "section_id", "period_id", "term_id", "status", "enrolled_at", "withdrawn_at"})
}

func lockedSectionRows(rosterIDs string, capacity, count int, version int64) *sqlmock.Rows {
	return sectionRows().
		AddRow("sec-1", "per-1", "X", "10", "X-A", capacity, rosterIDs, count, version, time.Now(), time.Now())
}

func TestEnrollmentRepositoryListActiveBySection(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))

	rows := enrollmentRows().
		AddRow("enr-1", "stu-1", "sec-1", "per-1", "term-1", models.EnrollmentStatusActive, time.Now(), nil)
	mock.ExpectQuery(`SELECT .+ FROM enrollments WHERE section_id = \$1 AND status = \$2 ORDER BY enrolled_at`).
		WithArgs("sec-1", models.EnrollmentStatusActive).
		WillReturnRows(rows)

	enrollments, err := repo.ListActiveBySection(context.Background(), "sec-1")
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	require.Equal(t, "stu-1", enrollments[0].StudentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByIDs(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))

	rows := enrollmentRows().
		AddRow("enr-1", "stu-1", "sec-1", "per-1", "term-1", models.EnrollmentStatusActive, time.Now(), nil)
	mock.ExpectQuery(`SELECT .+ FROM enrollments WHERE id IN`).
		WithArgs("enr-1", "enr-2").
		WillReturnRows(rows)

	found, err := repo.FindByIDs(context.Background(), []string{"enr-1", "enr-2"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Contains(t, found, "enr-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEnrollBatchCreatesAndUpdatesRoster(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{stu-1}", 3, 1, 5))
	mock.ExpectQuery(`SELECT student_id FROM enrollments`).
		WithArgs("per-1", "sec-1", models.EnrollmentStatusActive, "stu-3").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}))
	mock.ExpectQuery(`SELECT .+ FROM enrollments WHERE student_id = \$1 AND section_id = \$2`).
		WithArgs("stu-3", "sec-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO enrollments`).
		WithArgs(sqlmock.AnyArg(), "stu-3", "sec-1", "per-1", "term-1", "ACTIVE", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sections`).
		WithArgs("sec-1", sqlmock.AnyArg(), 2, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ApplyEnrollBatch(context.Background(), EnrollBatchParams{
		SectionID:  "sec-1",
		PeriodID:   "per-1",
		TermID:     "term-1",
		StudentIDs: []string{"stu-3"},
		Now:        now,
	})
	require.NoError(t, err)
	require.Len(t, outcome.Created, 1)
	require.Empty(t, outcome.Reactivated)
	require.Equal(t, []string{"stu-1", "stu-3"}, []string(outcome.Section.RosterIDs))
	require.Equal(t, 2, outcome.Section.EnrolledCount)
	require.Equal(t, int64(6), outcome.Section.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEnrollBatchReactivatesPreservingID(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))
	now := time.Now().UTC()
	withdrawnAt := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{}", 3, 0, 5))
	mock.ExpectQuery(`SELECT student_id FROM enrollments`).
		WithArgs("per-1", "sec-1", models.EnrollmentStatusActive, "stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}))
	mock.ExpectQuery(`SELECT .+ FROM enrollments WHERE student_id = \$1 AND section_id = \$2`).
		WithArgs("stu-1", "sec-1").
		WillReturnRows(enrollmentRows().
			AddRow("enr-old", "stu-1", "sec-1", "per-1", "term-0", models.EnrollmentStatusWithdrawn, now.Add(-48*time.Hour), withdrawnAt))
	mock.ExpectExec(`UPDATE enrollments`).
		WithArgs("enr-old", "ACTIVE", "term-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sections`).
		WithArgs("sec-1", sqlmock.AnyArg(), 1, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ApplyEnrollBatch(context.Background(), EnrollBatchParams{
		SectionID:  "sec-1",
		PeriodID:   "per-1",
		TermID:     "term-1",
		StudentIDs: []string{"stu-1"},
		Now:        now,
	})
	require.NoError(t, err)
	require.Empty(t, outcome.Created)
	require.Len(t, outcome.Reactivated, 1)
	require.Equal(t, "enr-old", outcome.Reactivated[0].ID, "re-enrollment transitions the existing record")
	require.Equal(t, models.EnrollmentStatusActive, outcome.Reactivated[0].Status)
	require.Nil(t, outcome.Reactivated[0].WithdrawnAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEnrollBatchCapacityExceededRollsBack(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{stu-1,stu-2}", 2, 2, 5))
	mock.ExpectRollback()

	_, err := repo.ApplyEnrollBatch(context.Background(), EnrollBatchParams{
		SectionID:  "sec-1",
		PeriodID:   "per-1",
		TermID:     "term-1",
		StudentIDs: []string{"stu-3"},
		Now:        time.Now().UTC(),
	})
	var capacityErr *CapacityError
	require.ErrorAs(t, err, &capacityErr)
	require.Equal(t, 0, capacityErr.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEnrollBatchDuplicateActiveRollsBack(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{}", 3, 0, 5))
	mock.ExpectQuery(`SELECT student_id FROM enrollments`).
		WithArgs("per-1", "sec-1", models.EnrollmentStatusActive, "stu-3").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("stu-3"))
	mock.ExpectRollback()

	_, err := repo.ApplyEnrollBatch(context.Background(), EnrollBatchParams{
		SectionID:  "sec-1",
		PeriodID:   "per-1",
		TermID:     "term-1",
		StudentIDs: []string{"stu-3"},
		Now:        time.Now().UTC(),
	})
	var duplicateErr *DuplicateActiveError
	require.ErrorAs(t, err, &duplicateErr)
	require.Equal(t, []string{"stu-3"}, duplicateErr.StudentIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEnrollBatchVersionConflictRollsBack(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{}", 3, 0, 5))
	mock.ExpectQuery(`SELECT student_id FROM enrollments`).
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}))
	mock.ExpectQuery(`SELECT .+ FROM enrollments WHERE student_id = \$1 AND section_id = \$2`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO enrollments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sections`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.ApplyEnrollBatch(context.Background(), EnrollBatchParams{
		SectionID:  "sec-1",
		PeriodID:   "per-1",
		TermID:     "term-1",
		StudentIDs: []string{"stu-3"},
		Now:        time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyWithdrawBatchRemovesFromRoster(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{stu-1,stu-2}", 3, 2, 5))
	mock.ExpectExec(`UPDATE enrollments SET status = \$2, withdrawn_at = \$3 WHERE id = \$1 AND status = \$4`).
		WithArgs("enr-1", "WITHDRAWN", sqlmock.AnyArg(), "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sections`).
		WithArgs("sec-1", sqlmock.AnyArg(), 1, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ApplyWithdrawBatch(context.Background(), WithdrawSectionParams{
		SectionID: "sec-1",
		Enrollments: []models.Enrollment{
			{ID: "enr-1", StudentID: "stu-1", SectionID: "sec-1", PeriodID: "per-1", Status: models.EnrollmentStatusActive},
		},
		Now: now,
	})
	require.NoError(t, err)
	require.Len(t, outcome.Withdrawn, 1)
	require.Equal(t, models.EnrollmentStatusWithdrawn, outcome.Withdrawn[0].Status)
	require.NotNil(t, outcome.Withdrawn[0].WithdrawnAt)
	require.Equal(t, []string{"stu-2"}, []string(outcome.Section.RosterIDs))
	require.Equal(t, 1, outcome.Section.EnrolledCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyWithdrawBatchIdempotentOnLostRace(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db, NewSectionRepository(db))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sections WHERE id = \$1 FOR UPDATE`).
		WithArgs("sec-1").
		WillReturnRows(lockedSectionRows("{stu-2}", 3, 1, 5))
	mock.ExpectExec(`UPDATE enrollments SET status = \$2, withdrawn_at = \$3 WHERE id = \$1 AND status = \$4`).
		WithArgs("enr-1", "WITHDRAWN", sqlmock.AnyArg(), "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE sections`).
		WithArgs("sec-1", sqlmock.AnyArg(), 1, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ApplyWithdrawBatch(context.Background(), WithdrawSectionParams{
		SectionID: "sec-1",
		Enrollments: []models.Enrollment{
			{ID: "enr-1", StudentID: "stu-1", SectionID: "sec-1", PeriodID: "per-1", Status: models.EnrollmentStatusActive},
		},
		Now: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Empty(t, outcome.Withdrawn, "a withdrawal that already happened is not counted twice")
	require.Equal(t, 1, outcome.Section.EnrolledCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
