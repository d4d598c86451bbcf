package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusWithdrawn EnrollmentStatus = "WITHDRAWN"
)

// Enrollment links one student to one section for one period. At most one
// record ever exists per (student, section) pair; withdrawal and
// re-enrollment transition the same record instead of creating duplicates.
type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	StudentID   string           `db:"student_id" json:"student_id"`
	SectionID   string           `db:"section_id" json:"section_id"`
	PeriodID    string           `db:"period_id" json:"period_id"`
	TermID      string           `db:"term_id" json:"term_id"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt  time.Time        `db:"enrolled_at" json:"enrolled_at"`
	WithdrawnAt *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and section info.
type EnrollmentDetail struct {
	Enrollment
	StudentName  string `db:"student_name" json:"student_name"`
	SectionLabel string `db:"section_label" json:"section_label"`
	TermName     string `db:"term_name" json:"term_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	SectionID string
	PeriodID  string
	TermID    string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
