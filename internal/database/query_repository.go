package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/edouardg/marktmonitor/internal/models"
)

const queryInfoSchema = `
CREATE TABLE IF NOT EXISTS query_info (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	browser_url     TEXT NOT NULL UNIQUE,
	request_url     TEXT NOT NULL UNIQUE,
	query           TEXT,
	next_check_time TIMESTAMP,
	status          TEXT NOT NULL DEFAULT 'ACTIVE'
	                CHECK (status IN ('ACTIVE', 'PAUSED', 'FAILED'))
)`

const querySelectList = `id, browser_url, request_url, query, next_check_time, status`

// QueryRepository manages the durable set of monitored queries.
type QueryRepository struct {
	db *sqlx.DB
}

// NewQueryRepository creates a repository over the shared query database.
func NewQueryRepository(db *sqlx.DB) *QueryRepository {
	return &QueryRepository{db: db}
}

// Init creates the query table when it does not exist yet.
func (r *QueryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, queryInfoSchema); err != nil {
		return fmt.Errorf("create query_info table: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (r *QueryRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create registers a new query. Both URLs must be unique; a duplicate
// surfaces as models.ErrAlreadyExists.
func (r *QueryRepository) Create(ctx context.Context, browserURL, requestURL string, query *string) (*models.Query, error) {
	q := &models.Query{
		BrowserURL: browserURL,
		RequestURL: requestURL,
		Query:      query,
		Status:     models.StatusActive,
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO query_info (browser_url, request_url, query, status) VALUES (?, ?, ?, ?)`,
		q.BrowserURL, q.RequestURL, q.Query, q.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert query: %w", err)
	}

	id, idErr := result.LastInsertId()
	if idErr != nil {
		return nil, fmt.Errorf("get inserted query id: %w", idErr)
	}
	q.ID = id
	return q, nil
}

// List returns all queries, optionally filtered by status.
func (r *QueryRepository) List(ctx context.Context, status *models.Status) ([]models.Query, error) {
	var queries []models.Query
	var err error
	if status != nil {
		err = r.db.SelectContext(ctx, &queries,
			`SELECT `+querySelectList+` FROM query_info WHERE status = ? ORDER BY id`, *status)
	} else {
		err = r.db.SelectContext(ctx, &queries,
			`SELECT `+querySelectList+` FROM query_info ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	return queries, nil
}

// GetByID returns the query with the given id, or models.ErrNotFound.
func (r *QueryRepository) GetByID(ctx context.Context, id int64) (*models.Query, error) {
	var q models.Query
	err := r.db.GetContext(ctx, &q,
		`SELECT `+querySelectList+` FROM query_info WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get query %d: %w", id, err)
	}
	return &q, nil
}

// GetByRequestURL returns the query registered for the given request URL.
func (r *QueryRepository) GetByRequestURL(ctx context.Context, requestURL string) (*models.Query, error) {
	var q models.Query
	err := r.db.GetContext(ctx, &q,
		`SELECT `+querySelectList+` FROM query_info WHERE request_url = ?`, requestURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get query for %s: %w", requestURL, err)
	}
	return &q, nil
}

// Exists reports whether a query is still registered for the request URL.
// The scheduler may hold a URL whose query was deleted mid-tick.
func (r *QueryRepository) Exists(ctx context.Context, requestURL string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM query_info WHERE request_url = ?`, requestURL)
	if err != nil {
		return false, fmt.Errorf("check query existence: %w", err)
	}
	return count > 0, nil
}

// Delete removes the query with the given id, or returns models.ErrNotFound.
func (r *QueryRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM query_info WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete query %d: %w", id, err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetStatus updates the status of the query with the given id and returns the
// number of updated rows (0 when the id does not exist).
func (r *QueryRepository) SetStatus(ctx context.Context, id int64, status models.Status) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: status %q", models.ErrValidation, status)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE query_info SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return 0, fmt.Errorf("set query status: %w", err)
	}
	return result.RowsAffected()
}

// SetStatusByRequestURL updates the status of the query owning the request URL.
// Missing rows are not an error: the query may have been deleted mid-tick.
func (r *QueryRepository) SetStatusByRequestURL(ctx context.Context, requestURL string, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", models.ErrValidation, status)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE query_info SET status = ? WHERE request_url = ?`, status, requestURL); err != nil {
		return fmt.Errorf("set query status for %s: %w", requestURL, err)
	}
	return nil
}

// UpdateNextCheck mirrors the scheduler's next fire time into the record.
func (r *QueryRepository) UpdateNextCheck(ctx context.Context, requestURL string, t time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE query_info SET next_check_time = ? WHERE request_url = ?`, t, requestURL); err != nil {
		return fmt.Errorf("update next check time for %s: %w", requestURL, err)
	}
	return nil
}

// ActiveRequestURLs returns the request URLs of all ACTIVE queries.
func (r *QueryRepository) ActiveRequestURLs(ctx context.Context) ([]string, error) {
	var urls []string
	err := r.db.SelectContext(ctx, &urls,
		`SELECT request_url FROM query_info WHERE status = ? ORDER BY id`, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active request urls: %w", err)
	}
	return urls, nil
}

// RequestURLs returns the request URLs of all queries regardless of status.
func (r *QueryRepository) RequestURLs(ctx context.Context) ([]string, error) {
	var urls []string
	err := r.db.SelectContext(ctx, &urls, `SELECT request_url FROM query_info ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list request urls: %w", err)
	}
	return urls, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
