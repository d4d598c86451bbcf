package models

import "time"

// TermStatus represents the lifecycle of a grading term within a period.
type TermStatus string

// Possible term statuses. At most one term is ACTIVE system-wide.
const (
	TermStatusActive  TermStatus = "ACTIVE"
	TermStatusBlocked TermStatus = "BLOCKED"
	TermStatusClosed  TermStatus = "CLOSED"
)

// Term models a grading sub-window (e.g. a trimester) of a period.
// Enrollment writes record the term active at time of write.
type Term struct {
	ID        string     `db:"id" json:"id"`
	PeriodID  string     `db:"period_id" json:"period_id"`
	Name      string     `db:"name" json:"name"`
	Status    TermStatus `db:"status" json:"status"`
	StartDate time.Time  `db:"start_date" json:"start_date"`
	EndDate   time.Time  `db:"end_date" json:"end_date"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// ActiveTerm pairs the active term with its owning period for enrollment
// gating decisions.
type ActiveTerm struct {
	Term
	PeriodLabel  string       `db:"period_label" json:"period_label"`
	PeriodStatus PeriodStatus `db:"period_status" json:"period_status"`
}
