package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edouardg/marktmonitor/internal/models"
)

const latestListingSchema = `
CREATE TABLE IF NOT EXISTS latest_listing (
	request_url TEXT PRIMARY KEY,
	item_id     TEXT NOT NULL,
	title       TEXT NOT NULL
)`

// LatestListingRepository stores the diff cursor: per request URL, the newest
// listing observed so far.
type LatestListingRepository struct {
	db *sqlx.DB
}

// NewLatestListingRepository creates a repository over the monitor-owned
// listings database.
func NewLatestListingRepository(db *sqlx.DB) *LatestListingRepository {
	return &LatestListingRepository{db: db}
}

// Init creates the cursor table when it does not exist yet.
func (r *LatestListingRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, latestListingSchema); err != nil {
		return fmt.Errorf("create latest_listing table: %w", err)
	}
	return nil
}

// Get returns the cursor for the request URL, or models.ErrNotFound when the
// URL has never produced a non-ad listing.
func (r *LatestListingRepository) Get(ctx context.Context, requestURL string) (*models.LatestListing, error) {
	var ll models.LatestListing
	err := r.db.GetContext(ctx, &ll,
		`SELECT request_url, item_id, title FROM latest_listing WHERE request_url = ?`, requestURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get latest listing for %s: %w", requestURL, err)
	}
	return &ll, nil
}

// Upsert writes the cursor, replacing any previous row for the request URL.
func (r *LatestListingRepository) Upsert(ctx context.Context, ll models.LatestListing) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_listing (request_url, item_id, title)
		VALUES (?, ?, ?)
		ON CONFLICT (request_url) DO UPDATE SET
			item_id = excluded.item_id,
			title = excluded.title`,
		ll.RequestURL, ll.ItemID, ll.Title)
	if err != nil {
		return fmt.Errorf("upsert latest listing for %s: %w", ll.RequestURL, err)
	}
	return nil
}

// PruneExcept deletes every cursor whose request URL is not in keep. The query
// table is the source of truth; cursors for deleted queries are orphans.
func (r *LatestListingRepository) PruneExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		result, err := r.db.ExecContext(ctx, `DELETE FROM latest_listing`)
		if err != nil {
			return 0, fmt.Errorf("prune latest listings: %w", err)
		}
		return result.RowsAffected()
	}

	query, args, err := sqlx.In(`DELETE FROM latest_listing WHERE request_url NOT IN (?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("build prune query: %w", err)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("prune latest listings: %w", err)
	}
	return result.RowsAffected()
}
