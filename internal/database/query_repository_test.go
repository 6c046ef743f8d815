package database_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/models"
)

const (
	testBrowserURL = "https://www.2dehands.be/q/iphone+15/#Language:all-languages|offeredSince:Gisteren|sortBy:SORT_INDEX|sortOrder:DECREASING"
	testRequestURL = "https://www.2dehands.be/lrp/api/search?attributesByKey%5B%5D=Language%3Aall-languages&limit=100&query=iphone+15"
)

func newQueryRepo(t *testing.T) *database.QueryRepository {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "queries.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	repo := database.NewQueryRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func strPtr(s string) *string { return &s }

func TestQueryRepository_Create(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	q, err := repo.Create(ctx, testBrowserURL, testRequestURL, strPtr("iphone 15"))
	require.NoError(t, err)

	assert.NotZero(t, q.ID)
	assert.Equal(t, models.StatusActive, q.Status)
	assert.Nil(t, q.NextCheckTime)

	got, err := repo.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, testBrowserURL, got.BrowserURL)
	assert.Equal(t, testRequestURL, got.RequestURL)
	require.NotNil(t, got.Query)
	assert.Equal(t, "iphone 15", *got.Query)
}

func TestQueryRepository_CreateDuplicate(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, testBrowserURL, testRequestURL, nil)
	require.NoError(t, err)

	// same browser URL
	_, err = repo.Create(ctx, testBrowserURL, testRequestURL+"&offset=0", nil)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	// same request URL
	_, err = repo.Create(ctx, testBrowserURL+"|postcode:2000", testRequestURL, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	queries, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, queries, 1)
}

func TestQueryRepository_CreateValidation(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		browserURL string
		requestURL string
	}{
		{
			name:       "browser url with wrong host",
			browserURL: "https://www.marktplaats.nl/q/iphone/",
			requestURL: testRequestURL,
		},
		{
			name:       "browser url with query component",
			browserURL: "https://www.2dehands.be/q/iphone/?x=1",
			requestURL: testRequestURL,
		},
		{
			name:       "request url not pointing at the search api",
			browserURL: testBrowserURL,
			requestURL: "https://www.2dehands.be/m12345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Create(ctx, tt.browserURL, tt.requestURL, nil)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestQueryRepository_ListByStatus(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	first, err := repo.Create(ctx, testBrowserURL, testRequestURL, nil)
	require.NoError(t, err)
	_, err = repo.Create(ctx,
		"https://www.2dehands.be/q/ps5/#sortBy:SORT_INDEX",
		"https://www.2dehands.be/lrp/api/search?query=ps5", nil)
	require.NoError(t, err)

	count, err := repo.SetStatus(ctx, first.ID, models.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	active := models.StatusActive
	queries, err := repo.List(ctx, &active)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.NotEqual(t, first.ID, queries[0].ID)

	urls, err := repo.ActiveRequestURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.2dehands.be/lrp/api/search?query=ps5"}, urls)

	all, err := repo.RequestURLs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQueryRepository_SetStatusMissing(t *testing.T) {
	repo := newQueryRepo(t)

	count, err := repo.SetStatus(context.Background(), 999, models.StatusPaused)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQueryRepository_SetStatusInvalid(t *testing.T) {
	repo := newQueryRepo(t)

	_, err := repo.SetStatus(context.Background(), 1, models.Status("BROKEN"))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestQueryRepository_Delete(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	q, err := repo.Create(ctx, testBrowserURL, testRequestURL, nil)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, q.ID))
	assert.ErrorIs(t, repo.Delete(ctx, q.ID), models.ErrNotFound)

	_, err = repo.GetByID(ctx, q.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueryRepository_UpdateNextCheck(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, testBrowserURL, testRequestURL, nil)
	require.NoError(t, err)

	next := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateNextCheck(ctx, testRequestURL, next))

	got, err := repo.GetByRequestURL(ctx, testRequestURL)
	require.NoError(t, err)
	require.NotNil(t, got.NextCheckTime)
	assert.WithinDuration(t, next, *got.NextCheckTime, time.Second)
}

func TestQueryRepository_Exists(t *testing.T) {
	repo := newQueryRepo(t)
	ctx := context.Background()

	exists, err := repo.Exists(ctx, testRequestURL)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.Create(ctx, testBrowserURL, testRequestURL, nil)
	require.NoError(t, err)

	exists, err = repo.Exists(ctx, testRequestURL)
	require.NoError(t, err)
	assert.True(t, exists)
}
