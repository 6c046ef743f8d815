package models

import "errors"

// Common errors shared across repositories and handlers.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a query with the same browser or
	// request URL is already registered.
	ErrAlreadyExists = errors.New("query already exists")

	// ErrValidation is returned for malformed URLs, statuses, or item ids.
	ErrValidation = errors.New("validation failed")
)
