package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sge-platform/enrollment-api/internal/models"
)

// StudentRepository reads the student directory. Identity is owned by an
// external system; this engine validates ids and resolves display names.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID loads one student.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, full_name, national_id, active, created_at FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByIDs returns the students matching the provided ids, keyed by id.
// Missing ids are simply absent from the result.
func (r *StudentRepository) FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error) {
	result := make(map[string]models.Student, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT id, full_name, national_id, active, created_at FROM students WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build student lookup: %w", err)
	}
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lookup students: %w", err)
	}
	for _, s := range students {
		result[s.ID] = s
	}
	return result, nil
}
