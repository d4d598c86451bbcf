package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/repository"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
)

type fakeSectionStore struct {
	section  *models.Section
	err      error
	sections []models.Section
	total    int
	listErr  error
}

func (f *fakeSectionStore) FindByID(_ context.Context, _ string) (*models.Section, error) {
	return f.section, f.err
}

func (f *fakeSectionStore) List(_ context.Context, _ models.SectionFilter) ([]models.Section, int, error) {
	return f.sections, f.total, f.listErr
}

type fakeRosterCache struct {
	values   map[string][]byte
	gets     []string
	sets     []string
	deletes  []string
	patterns []string
}

func newFakeRosterCache() *fakeRosterCache {
	return &fakeRosterCache{values: make(map[string][]byte)}
}

func (f *fakeRosterCache) Get(_ context.Context, key string, dest interface{}) error {
	f.gets = append(f.gets, key)
	raw, ok := f.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeRosterCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.values[key] = raw
	f.sets = append(f.sets, key)
	return nil
}

func (f *fakeRosterCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
		f.deletes = append(f.deletes, key)
	}
	return nil
}

func (f *fakeRosterCache) DeleteByPattern(_ context.Context, pattern string) error {
	f.patterns = append(f.patterns, pattern)
	return nil
}

func TestSectionGetNotFound(t *testing.T) {
	svc := NewSectionService(&fakeSectionStore{err: sql.ErrNoRows}, nil, 0, nil, nil)

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestSectionListPagination(t *testing.T) {
	store := &fakeSectionStore{sections: []models.Section{*sectionFixture(nil, 30)}, total: 7}
	svc := NewSectionService(store, nil, 0, nil, nil)

	sections, pagination, err := svc.List(context.Background(), models.SectionFilter{Page: 1, PageSize: 5})
	require.NoError(t, err)
	assert.Len(t, sections, 1)
	assert.Equal(t, 7, pagination.TotalCount)
}

func TestRosterCacheMissThenHit(t *testing.T) {
	section := sectionFixture([]string{"s1", "s2"}, 5)
	cache := newFakeRosterCache()
	svc := NewSectionService(&fakeSectionStore{section: section}, cache, time.Minute, nil, nil)

	roster, err := svc.Roster(context.Background(), "section-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, roster)
	require.Len(t, cache.sets, 1)
	assert.Equal(t, repository.RosterKey("section-1"), cache.sets[0])

	// Second read is served from cache.
	roster, err = svc.Roster(context.Background(), "section-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, roster)
	assert.Len(t, cache.gets, 2)
	assert.Len(t, cache.sets, 1)
}

func TestRosterWithoutCache(t *testing.T) {
	section := sectionFixture([]string{"s1"}, 5)
	svc := NewSectionService(&fakeSectionStore{section: section}, nil, 0, nil, nil)

	roster, err := svc.Roster(context.Background(), "section-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, roster)
}

func TestInvalidateSectionDropsRosterAndListing(t *testing.T) {
	cache := newFakeRosterCache()
	cache.values[repository.RosterKey("section-1")] = []byte(`["s1"]`)
	svc := NewSectionService(&fakeSectionStore{}, cache, 0, nil, nil)

	require.NoError(t, svc.InvalidateSection(context.Background(), "section-1", "period-1"))
	assert.Equal(t, []string{repository.RosterKey("section-1")}, cache.deletes)
	require.Len(t, cache.patterns, 1)
	assert.Equal(t, repository.SectionListKey("period-1")+"*", cache.patterns[0])
}
