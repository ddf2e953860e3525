package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an accepted case is not found.
	ErrNotFound = errors.New("accepted case not found")
)
