package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sge-platform/enrollment-api/internal/models"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
)

type fakeTermStore struct {
	terms []models.ActiveTerm
	err   error
}

func (f *fakeTermStore) ListActive(_ context.Context) ([]models.ActiveTerm, error) {
	return f.terms, f.err
}

func TestGetActiveTermSingle(t *testing.T) {
	store := &fakeTermStore{terms: []models.ActiveTerm{*activeTermFixture()}}
	svc := NewTermService(store, nil)

	term, err := svc.GetActiveTerm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "term-1", term.ID)
	assert.Equal(t, "period-1", term.PeriodID)
}

func TestGetActiveTermNoneFailsClosed(t *testing.T) {
	svc := NewTermService(&fakeTermStore{}, nil)

	_, err := svc.GetActiveTerm(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoActiveTerm))
}

func TestGetActiveTermMultipleFailsClosed(t *testing.T) {
	first := *activeTermFixture()
	second := *activeTermFixture()
	second.ID = "term-2"
	svc := NewTermService(&fakeTermStore{terms: []models.ActiveTerm{first, second}}, nil)

	_, err := svc.GetActiveTerm(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoActiveTerm), "ambiguity is never resolved by guessing")
}

func TestGetActiveTermClosedPeriodFailsClosed(t *testing.T) {
	term := *activeTermFixture()
	term.PeriodStatus = models.PeriodStatusClosed
	svc := NewTermService(&fakeTermStore{terms: []models.ActiveTerm{term}}, nil)

	_, err := svc.GetActiveTerm(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoActiveTerm))
}

func TestGetActiveTermStoreError(t *testing.T) {
	svc := NewTermService(&fakeTermStore{err: errors.New("connection refused")}, nil)

	_, err := svc.GetActiveTerm(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal))
}
