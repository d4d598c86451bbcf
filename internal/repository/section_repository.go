package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sge-platform/enrollment-api/internal/models"
)

// ErrVersionConflict signals that a roster compare-and-swap lost against a
// concurrent writer.
var ErrVersionConflict = errors.New("section version conflict")

const sectionColumns = `id, period_id, level, grade, label, capacity, roster_ids, enrolled_count, version, created_at, updated_at`

// SectionRepository handles persistence for class sections. UpdateRoster is
// the only sanctioned write path for roster_ids and enrolled_count.
type SectionRepository struct {
	db *sqlx.DB
}

// NewSectionRepository constructs the repository.
func NewSectionRepository(db *sqlx.DB) *SectionRepository {
	return &SectionRepository{db: db}
}

// FindByID loads a section by identifier.
func (r *SectionRepository) FindByID(ctx context.Context, id string) (*models.Section, error) {
	query := fmt.Sprintf(`SELECT %s FROM sections WHERE id = $1`, sectionColumns)
	var section models.Section
	if err := r.db.GetContext(ctx, &section, query, id); err != nil {
		return nil, err
	}
	return &section, nil
}

// FindByIDForUpdate loads a section inside the given transaction with a row
// lock, serializing all writers of the same section.
func (r *SectionRepository) FindByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Section, error) {
	query := fmt.Sprintf(`SELECT %s FROM sections WHERE id = $1 FOR UPDATE`, sectionColumns)
	var section models.Section
	if err := tx.GetContext(ctx, &section, query, id); err != nil {
		return nil, err
	}
	return &section, nil
}

// List returns sections matching the filter. Level and grade filters are
// pushed into SQL rather than scanned client-side.
func (r *SectionRepository) List(ctx context.Context, filter models.SectionFilter) ([]models.Section, int, error) {
	base := "FROM sections WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.PeriodID != "" {
		conditions = append(conditions, fmt.Sprintf("period_id = $%d", len(args)+1))
		args = append(args, filter.PeriodID)
	}
	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", len(args)+1))
		args = append(args, filter.Level)
	}
	if filter.Grade != "" {
		conditions = append(conditions, fmt.Sprintf("grade = $%d", len(args)+1))
		args = append(args, filter.Grade)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"label":      true,
		"level":      true,
		"grade":      true,
		"created_at": true,
	}
	if sortBy == "" || !allowedSorts[sortBy] {
		sortBy = "label"
	}

	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", sectionColumns, base, sortBy, order, size, offset)

	var sections []models.Section
	if err := r.db.SelectContext(ctx, &sections, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sections: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sections: %w", err)
	}
	return sections, total, nil
}

// UpdateRoster replaces roster_ids and enrolled_count with a version
// compare-and-swap. ext may be the pool or an open transaction. Returns
// ErrVersionConflict when the expected version no longer matches.
func (r *SectionRepository) UpdateRoster(ctx context.Context, ext sqlx.ExtContext, sectionID string, rosterIDs []string, count int, expectedVersion int64) error {
	const query = `UPDATE sections
        SET roster_ids = $2, enrolled_count = $3, version = version + 1, updated_at = $4
        WHERE id = $1 AND version = $5`
	result, err := ext.ExecContext(ctx, query, sectionID, pq.StringArray(rosterIDs), count, time.Now().UTC(), expectedVersion)
	if err != nil {
		return fmt.Errorf("update roster: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check roster update rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateRosterCAS is UpdateRoster against the pool, for callers that do not
// carry their own transaction.
func (r *SectionRepository) UpdateRosterCAS(ctx context.Context, sectionID string, rosterIDs []string, count int, expectedVersion int64) error {
	return r.UpdateRoster(ctx, r.db, sectionID, rosterIDs, count, expectedVersion)
}
