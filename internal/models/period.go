package models

import "time"

// PeriodStatus represents the lifecycle of a school period.
type PeriodStatus string

// Possible period statuses. At most one period is ACTIVE system-wide;
// that invariant is enforced by period management tooling and consumed
// read-only here.
const (
	PeriodStatusActive  PeriodStatus = "ACTIVE"
	PeriodStatusClosed  PeriodStatus = "CLOSED"
	PeriodStatusBlocked PeriodStatus = "BLOCKED"
)

// Period models a school year or comparable enrollment window.
type Period struct {
	ID        string       `db:"id" json:"id"`
	Label     string       `db:"label" json:"label"`
	Status    PeriodStatus `db:"status" json:"status"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}
