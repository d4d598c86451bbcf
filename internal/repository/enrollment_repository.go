package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sge-platform/enrollment-api/internal/models"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index guarding one ACTIVE enrollment per (student, period).
const uniqueViolation = "23505"

// CapacityError reports a rejected batch together with the seats left.
type CapacityError struct {
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("section capacity exceeded, %d seats available", e.Available)
}

// DuplicateActiveError reports students already actively enrolled in another
// section of the same period.
type DuplicateActiveError struct {
	StudentIDs []string
}

func (e *DuplicateActiveError) Error() string {
	return fmt.Sprintf("students already actively enrolled: %s", strings.Join(e.StudentIDs, ", "))
}

const enrollmentColumns = `id, student_id, section_id, period_id, term_id, status, enrolled_at, withdrawn_at`

// EnrollmentRepository handles persistence of enrollments. Batch mutations
// run inside a single transaction that locks the target section row, so the
// roster projection and the enrollment rows never diverge on success.
type EnrollmentRepository struct {
	db       *sqlx.DB
	sections *SectionRepository
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB, sections *SectionRepository) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, sections: sections}
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with contextual info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.section_id, e.period_id, e.term_id, e.status, e.enrolled_at, e.withdrawn_at,
        s.full_name AS student_name, sec.label AS section_label, t.name AS term_name
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        LEFT JOIN sections sec ON sec.id = e.section_id
        LEFT JOIN terms t ON t.id = e.term_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindByIDs returns the enrollments matching the provided ids, keyed by id.
func (r *EnrollmentRepository) FindByIDs(ctx context.Context, ids []string) (map[string]models.Enrollment, error) {
	result := make(map[string]models.Enrollment, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf(`SELECT %s FROM enrollments WHERE id IN (?)`, enrollmentColumns), ids)
	if err != nil {
		return nil, fmt.Errorf("build enrollment lookup: %w", err)
	}
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lookup enrollments: %w", err)
	}
	for _, e := range enrollments {
		result[e.ID] = e
	}
	return result, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN sections sec ON sec.id = e.section_id
LEFT JOIN terms t ON t.id = e.term_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf("e.section_id = $%d", len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.PeriodID != "" {
		conditions = append(conditions, fmt.Sprintf("e.period_id = $%d", len(args)+1))
		args = append(args, filter.PeriodID)
	}
	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("e.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"student_name": "s.full_name",
		"section":      "sec.label",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.section_id, e.period_id, e.term_id, e.status, e.enrolled_at, e.withdrawn_at,
        s.full_name AS student_name, sec.label AS section_label, t.name AS term_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListActiveBySection returns the ACTIVE enrollments of a section.
func (r *EnrollmentRepository) ListActiveBySection(ctx context.Context, sectionID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE section_id = $1 AND status = $2 ORDER BY enrolled_at`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, sectionID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list section enrollments: %w", err)
	}
	return enrollments, nil
}

// ListActiveConflicts returns student ids among the candidates that already
// hold an ACTIVE enrollment in the period outside the given section.
func (r *EnrollmentRepository) ListActiveConflicts(ctx context.Context, periodID, sectionID string, studentIDs []string) ([]string, error) {
	return r.listActiveConflicts(ctx, r.db, periodID, sectionID, studentIDs)
}

func (r *EnrollmentRepository) listActiveConflicts(ctx context.Context, ext sqlx.ExtContext, periodID, sectionID string, studentIDs []string) ([]string, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT student_id FROM enrollments
        WHERE period_id = ? AND section_id <> ? AND status = ? AND student_id IN (?)
        ORDER BY student_id`, periodID, sectionID, models.EnrollmentStatusActive, studentIDs)
	if err != nil {
		return nil, fmt.Errorf("build conflict lookup: %w", err)
	}
	var conflicts []string
	if err := sqlx.SelectContext(ctx, ext, &conflicts, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, fmt.Errorf("check active conflicts: %w", err)
	}
	return conflicts, nil
}

// EnrollBatchParams describes a validated enrollment batch ready to apply.
// StudentIDs holds the candidates not yet on the section roster.
type EnrollBatchParams struct {
	SectionID  string
	PeriodID   string
	TermID     string
	StudentIDs []string
	Now        time.Time
}

// EnrollBatchOutcome reports what a committed batch changed.
type EnrollBatchOutcome struct {
	Created     []models.Enrollment
	Reactivated []models.Enrollment
	Section     *models.Section
}

// ApplyEnrollBatch applies an enrollment batch atomically: the section row
// is locked, capacity and duplicate checks are re-validated against locked
// state, enrollment rows are created or reactivated, and the roster
// projection is swapped in the same transaction. The whole batch commits or
// nothing does.
func (r *EnrollmentRepository) ApplyEnrollBatch(ctx context.Context, params EnrollBatchParams) (outcome *EnrollBatchOutcome, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enroll batch tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	section, err := r.sections.FindByIDForUpdate(ctx, tx, params.SectionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock section: %w", err)
	}

	toAdd := make([]string, 0, len(params.StudentIDs))
	for _, id := range params.StudentIDs {
		if !section.HasStudent(id) {
			toAdd = append(toAdd, id)
		}
	}
	if len(toAdd) == 0 {
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit enroll batch tx: %w", err)
		}
		return &EnrollBatchOutcome{Section: section}, nil
	}

	if len(section.RosterIDs)+len(toAdd) > section.Capacity {
		err = &CapacityError{Available: section.AvailableSeats()}
		return nil, err
	}

	conflicts, err := r.listActiveConflicts(ctx, tx, params.PeriodID, params.SectionID, toAdd)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		err = &DuplicateActiveError{StudentIDs: conflicts}
		return nil, err
	}

	outcome = &EnrollBatchOutcome{}
	for _, studentID := range toAdd {
		var enrollment *models.Enrollment
		var created bool
		enrollment, created, err = r.upsertActive(ctx, tx, studentID, params)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				err = &DuplicateActiveError{StudentIDs: []string{studentID}}
			}
			return nil, err
		}
		if created {
			outcome.Created = append(outcome.Created, *enrollment)
		} else {
			outcome.Reactivated = append(outcome.Reactivated, *enrollment)
		}
	}

	newRoster := append(append([]string{}, section.RosterIDs...), toAdd...)
	if err = r.sections.UpdateRoster(ctx, tx, section.ID, newRoster, len(newRoster), section.Version); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enroll batch tx: %w", err)
	}

	updated := *section
	updated.RosterIDs = newRoster
	updated.EnrolledCount = len(newRoster)
	updated.Version = section.Version + 1
	outcome.Section = &updated
	return outcome, nil
}

// upsertActive creates a new ACTIVE enrollment or reactivates the WITHDRAWN
// record for the (student, section) pair, preserving its id.
func (r *EnrollmentRepository) upsertActive(ctx context.Context, tx *sqlx.Tx, studentID string, params EnrollBatchParams) (*models.Enrollment, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE student_id = $1 AND section_id = $2`, enrollmentColumns)
	var existing models.Enrollment
	err := tx.GetContext(ctx, &existing, query, studentID, params.SectionID)
	switch {
	case err == sql.ErrNoRows:
		enrollment := models.Enrollment{
			ID:         uuid.NewString(),
			StudentID:  studentID,
			SectionID:  params.SectionID,
			PeriodID:   params.PeriodID,
			TermID:     params.TermID,
			Status:     models.EnrollmentStatusActive,
			EnrolledAt: params.Now,
		}
		const insert = `INSERT INTO enrollments (id, student_id, section_id, period_id, term_id, status, enrolled_at, withdrawn_at)
            VALUES (:id, :student_id, :section_id, :period_id, :term_id, :status, :enrolled_at, :withdrawn_at)`
		if _, err := sqlx.NamedExecContext(ctx, tx, insert, enrollment); err != nil {
			return nil, false, err
		}
		return &enrollment, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("load enrollment for upsert: %w", err)
	}

	if existing.Status == models.EnrollmentStatusActive {
		// Store already agrees; roster projection was behind.
		return &existing, false, nil
	}

	const reactivate = `UPDATE enrollments
        SET status = $2, term_id = $3, enrolled_at = $4, withdrawn_at = NULL
        WHERE id = $1`
	if _, err := tx.ExecContext(ctx, reactivate, existing.ID, models.EnrollmentStatusActive, params.TermID, params.Now); err != nil {
		return nil, false, err
	}
	existing.Status = models.EnrollmentStatusActive
	existing.TermID = params.TermID
	existing.EnrolledAt = params.Now
	existing.WithdrawnAt = nil
	return &existing, false, nil
}

// WithdrawSectionParams groups withdrawals touching one section.
type WithdrawSectionParams struct {
	SectionID   string
	Enrollments []models.Enrollment
	Now         time.Time
}

// WithdrawSectionOutcome reports the withdrawals a committed transaction
// applied to one section.
type WithdrawSectionOutcome struct {
	Withdrawn []models.Enrollment
	Section   *models.Section
}

// ApplyWithdrawBatch withdraws the given enrollments of one section and
// removes their students from the roster projection in a single
// transaction. Enrollments already WITHDRAWN are skipped, so the operation
// is idempotent and never double-decrements the count.
func (r *EnrollmentRepository) ApplyWithdrawBatch(ctx context.Context, params WithdrawSectionParams) (outcome *WithdrawSectionOutcome, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin withdraw batch tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	section, err := r.sections.FindByIDForUpdate(ctx, tx, params.SectionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock section: %w", err)
	}

	outcome = &WithdrawSectionOutcome{}
	removed := make(map[string]bool, len(params.Enrollments))
	for _, enrollment := range params.Enrollments {
		const query = `UPDATE enrollments SET status = $2, withdrawn_at = $3 WHERE id = $1 AND status = $4`
		var result sql.Result
		result, err = tx.ExecContext(ctx, query, enrollment.ID, models.EnrollmentStatusWithdrawn, params.Now, models.EnrollmentStatusActive)
		if err != nil {
			return nil, fmt.Errorf("withdraw enrollment %s: %w", enrollment.ID, err)
		}
		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			err = fmt.Errorf("check withdraw rows: %w", rowsErr)
			return nil, err
		}
		if rows == 0 {
			// Lost a race with another withdrawal; idempotent no-op.
			continue
		}
		withdrawn := enrollment
		withdrawn.Status = models.EnrollmentStatusWithdrawn
		withdrawnAt := params.Now
		withdrawn.WithdrawnAt = &withdrawnAt
		outcome.Withdrawn = append(outcome.Withdrawn, withdrawn)
		removed[enrollment.StudentID] = true
	}

	newRoster := make([]string, 0, len(section.RosterIDs))
	for _, id := range section.RosterIDs {
		if !removed[id] {
			newRoster = append(newRoster, id)
		}
	}
	if err = r.sections.UpdateRoster(ctx, tx, section.ID, newRoster, len(newRoster), section.Version); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit withdraw batch tx: %w", err)
	}

	updated := *section
	updated.RosterIDs = newRoster
	updated.EnrolledCount = len(newRoster)
	updated.Version = section.Version + 1
	outcome.Section = &updated
	return outcome, nil
}
