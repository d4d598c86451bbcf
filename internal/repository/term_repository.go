package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sge-platform/enrollment-api/internal/models"
)

const termColumns = `id, period_id, name, status, start_date, end_date, created_at, updated_at`

// TermRepository handles persistence for grading terms. This engine only
// reads terms; activation and closing belong to period management tooling.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository constructs the repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

// FindByID loads a term by identifier.
func (r *TermRepository) FindByID(ctx context.Context, id string) (*models.Term, error) {
	query := fmt.Sprintf(`SELECT %s FROM terms WHERE id = $1`, termColumns)
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// ListActive returns every ACTIVE term joined with its owning period. The
// caller decides what a result set of size != 1 means; this query does not
// guess.
func (r *TermRepository) ListActive(ctx context.Context) ([]models.ActiveTerm, error) {
	const query = `SELECT t.id, t.period_id, t.name, t.status, t.start_date, t.end_date, t.created_at, t.updated_at,
        p.label AS period_label, p.status AS period_status
        FROM terms t
        JOIN periods p ON p.id = t.period_id
        WHERE t.status = $1
        ORDER BY t.start_date`
	var terms []models.ActiveTerm
	if err := r.db.SelectContext(ctx, &terms, query, models.TermStatusActive); err != nil {
		return nil, fmt.Errorf("list active terms: %w", err)
	}
	return terms, nil
}
