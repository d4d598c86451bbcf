package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sge-platform/enrollment-api/internal/models"
)

func TestTransferHistoryRepositoryRecordFillsDefaults(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewTransferHistoryRepository(db)

	from := "sec-1"
	entry := &models.TransferHistoryEntry{
		StudentID:     "stu-1",
		PeriodID:      "per-1",
		FromSectionID: &from,
		Reason:        "withdrawal",
	}
	mock.ExpectExec(`INSERT INTO transfer_history`).
		WithArgs(sqlmock.AnyArg(), "stu-1", "per-1", "sec-1", nil, sqlmock.AnyArg(), "withdrawal").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Record(context.Background(), entry))
	require.NotEmpty(t, entry.ID)
	require.False(t, entry.ChangedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferHistoryRepositoryListByStudent(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewTransferHistoryRepository(db)

	from := "sec-1"
	rows := sqlmock.NewRows([]string{"id", "student_id", "period_id", "from_section_id", "to_section_id", "changed_at", "reason"}).
		AddRow("hist-1", "stu-1", "per-1", from, nil, time.Now(), "withdrawal")
	mock.ExpectQuery(`SELECT .+ FROM transfer_history WHERE student_id = \$1 AND period_id = \$2 ORDER BY changed_at DESC LIMIT 50`).
		WithArgs("stu-1", "per-1").
		WillReturnRows(rows)

	entries, err := repo.ListByStudent(context.Background(), "stu-1", "per-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].ToSectionID, "nil destination marks a withdrawal")
	require.NoError(t, mock.ExpectationsWereMet())
}
