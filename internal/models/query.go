// Package models holds the shared data model for monitored queries and listings.
package models

import (
	"fmt"
	"regexp"
	"time"
)

// Status of a monitored query. Only ACTIVE queries are polled.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusFailed Status = "FAILED"
)

// Valid reports whether s is a known query status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusFailed:
		return true
	}
	return false
}

const (
	// MaxQueryLen caps the free-text search term.
	MaxQueryLen = 60
	// MaxItemIDLen caps a marketplace item id ("m" + digits).
	MaxItemIDLen = 11
	// MaxTitleLen caps a stored listing title.
	MaxTitleLen = 60
)

var (
	// BrowserURLPattern matches the user-facing search page URL.
	BrowserURLPattern = regexp.MustCompile(`^https://www\.2dehands\.be/(q|l)/[^?]*$`)
	// RequestURLPattern matches the derived API search URL.
	RequestURLPattern = regexp.MustCompile(`^https://www\.2dehands\.be/lrp/api/search\?.*`)
)

// Query is a registered marketplace search whose request URL is polled.
type Query struct {
	ID            int64      `db:"id"              json:"id"`
	BrowserURL    string     `db:"browser_url"     json:"browser_url"`
	RequestURL    string     `db:"request_url"     json:"request_url"`
	Query         *string    `db:"query"           json:"query"`
	NextCheckTime *time.Time `db:"next_check_time" json:"next_check_time"`
	Status        Status     `db:"status"          json:"status"`
}

// Validate checks the URL patterns and field limits of a query record.
func (q *Query) Validate() error {
	if !BrowserURLPattern.MatchString(q.BrowserURL) {
		return fmt.Errorf("%w: browser_url %q", ErrValidation, q.BrowserURL)
	}
	if !RequestURLPattern.MatchString(q.RequestURL) {
		return fmt.Errorf("%w: request_url %q", ErrValidation, q.RequestURL)
	}
	if q.Query != nil && len(*q.Query) > MaxQueryLen {
		return fmt.Errorf("%w: query longer than %d characters", ErrValidation, MaxQueryLen)
	}
	if !q.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrValidation, q.Status)
	}
	return nil
}

// LatestListing is the per-query diff cursor: the newest listing ever observed
// for a request URL.
type LatestListing struct {
	RequestURL string `db:"request_url" json:"request_url"`
	ItemID     string `db:"item_id"     json:"item_id"`
	Title      string `db:"title"       json:"title"`
}
