package database_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/models"
)

func newListingRepo(t *testing.T) *database.LatestListingRepository {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "listings.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	repo := database.NewLatestListingRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestLatestListingRepository_GetMissing(t *testing.T) {
	repo := newListingRepo(t)

	_, err := repo.Get(context.Background(), "https://www.2dehands.be/lrp/api/search?query=x")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLatestListingRepository_Upsert(t *testing.T) {
	repo := newListingRepo(t)
	ctx := context.Background()
	url := "https://www.2dehands.be/lrp/api/search?query=iphone"

	require.NoError(t, repo.Upsert(ctx, models.LatestListing{
		RequestURL: url,
		ItemID:     "m100",
		Title:      "iPhone 14",
	}))

	got, err := repo.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "m100", got.ItemID)

	// second write replaces the cursor, one row per request URL
	require.NoError(t, repo.Upsert(ctx, models.LatestListing{
		RequestURL: url,
		ItemID:     "m120",
		Title:      "iPhone 15",
	}))

	got, err = repo.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "m120", got.ItemID)
	assert.Equal(t, "iPhone 15", got.Title)
}

func TestLatestListingRepository_PruneExcept(t *testing.T) {
	repo := newListingRepo(t)
	ctx := context.Background()

	for _, url := range []string{"https://a", "https://b", "https://c"} {
		require.NoError(t, repo.Upsert(ctx, models.LatestListing{
			RequestURL: url, ItemID: "m1", Title: "t",
		}))
	}

	pruned, err := repo.PruneExcept(ctx, []string{"https://b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, err = repo.Get(ctx, "https://a")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.Get(ctx, "https://b")
	assert.NoError(t, err)
}

func TestLatestListingRepository_PruneAll(t *testing.T) {
	repo := newListingRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, models.LatestListing{
		RequestURL: "https://a", ItemID: "m1", Title: "t",
	}))

	pruned, err := repo.PruneExcept(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestLatestListingRepository_GetDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT request_url, item_id, title FROM latest_listing").
		WillReturnError(sql.ErrConnDone)

	repo := database.NewLatestListingRepository(sqlx.NewDb(db, "sqlite3"))
	_, err = repo.Get(context.Background(), "https://a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
