package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sge-platform/enrollment-api/internal/models"
)

// TransferHistoryRepository persists the append-only audit trail of section
// movements. No update or delete operation is exposed.
type TransferHistoryRepository struct {
	db *sqlx.DB
}

// NewTransferHistoryRepository constructs the repository.
func NewTransferHistoryRepository(db *sqlx.DB) *TransferHistoryRepository {
	return &TransferHistoryRepository{db: db}
}

// Record appends one history entry.
func (r *TransferHistoryRepository) Record(ctx context.Context, entry *models.TransferHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	const query = `INSERT INTO transfer_history (id, student_id, period_id, from_section_id, to_section_id, changed_at, reason)
        VALUES (:id, :student_id, :period_id, :from_section_id, :to_section_id, :changed_at, :reason)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record transfer history: %w", err)
	}
	return nil
}

// ListByStudent returns a student's history in a period, newest first.
func (r *TransferHistoryRepository) ListByStudent(ctx context.Context, studentID, periodID string, limit int) ([]models.TransferHistoryEntry, error) {
	conditions := []string{"student_id = $1"}
	args := []interface{}{studentID}
	if periodID != "" {
		conditions = append(conditions, fmt.Sprintf("period_id = $%d", len(args)+1))
		args = append(args, periodID)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, student_id, period_id, from_section_id, to_section_id, changed_at, reason
        FROM transfer_history WHERE %s ORDER BY changed_at DESC LIMIT %d`,
		strings.Join(conditions, " AND "), limit)

	var entries []models.TransferHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	return entries, nil
}
