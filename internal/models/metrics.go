package models

import "time"

// EnrollmentSystemMetrics is a lightweight snapshot of engine counters for
// operational dashboards.
type EnrollmentSystemMetrics struct {
	EnrollBatchesTotal     uint64    `json:"enroll_batches_total"`
	StudentsEnrolledTotal  uint64    `json:"students_enrolled_total"`
	WithdrawalsTotal       uint64    `json:"withdrawals_total"`
	CapacityRejections     uint64    `json:"capacity_rejections"`
	DuplicateRejections    uint64    `json:"duplicate_rejections"`
	ConcurrencyConflicts   uint64    `json:"concurrency_conflicts"`
	HistoryAppendFailures  uint64    `json:"history_append_failures"`
	RosterRepairs          uint64    `json:"roster_repairs"`
	CacheHitRatio          float64   `json:"cache_hit_ratio"`
	Goroutines             int       `json:"goroutines"`
	GeneratedAt            time.Time `json:"generated_at"`
}
