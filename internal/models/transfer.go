package models

import "time"

// TransferHistoryEntry records a section movement for audit purposes.
// A nil ToSectionID denotes a withdrawal. Entries are append-only and
// never mutated or deleted.
type TransferHistoryEntry struct {
	ID            string    `db:"id" json:"id"`
	StudentID     string    `db:"student_id" json:"student_id"`
	PeriodID      string    `db:"period_id" json:"period_id"`
	FromSectionID *string   `db:"from_section_id" json:"from_section_id,omitempty"`
	ToSectionID   *string   `db:"to_section_id" json:"to_section_id,omitempty"`
	ChangedAt     time.Time `db:"changed_at" json:"changed_at"`
	Reason        string    `db:"reason" json:"reason"`
}
