package models

import (
	"time"

	"github.com/lib/pq"
)

// Section represents a class section with a seat capacity and a cached
// roster projection. RosterIDs and EnrolledCount are derived from ACTIVE
// enrollment rows; they are only ever written through the registry's
// UpdateRoster compare-and-swap, never by independent call sites.
type Section struct {
	ID            string         `db:"id" json:"id"`
	PeriodID      string         `db:"period_id" json:"period_id"`
	Level         string         `db:"level" json:"level"`
	Grade         string         `db:"grade" json:"grade"`
	Label         string         `db:"label" json:"label"`
	Capacity      int            `db:"capacity" json:"capacity"`
	RosterIDs     pq.StringArray `db:"roster_ids" json:"roster_ids"`
	EnrolledCount int            `db:"enrolled_count" json:"enrolled_count"`
	Version       int64          `db:"version" json:"version"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// AvailableSeats returns the number of free seats, never negative.
func (s *Section) AvailableSeats() int {
	free := s.Capacity - len(s.RosterIDs)
	if free < 0 {
		return 0
	}
	return free
}

// HasStudent reports whether the student is on the cached roster.
func (s *Section) HasStudent(studentID string) bool {
	for _, id := range s.RosterIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// SectionFilter defines filter criteria for listing sections.
type SectionFilter struct {
	PeriodID  string
	Level     string
	Grade     string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
