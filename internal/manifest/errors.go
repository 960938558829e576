package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned for a manifest written by a newer format.
	ErrIncompatibleVersion = errors.New("manifest: incompatible version")

	// ErrNotFound is returned when no backup has been committed.
	ErrNotFound = errors.New("manifest: not found")
)
