package mmap

import "errors"

// AccessPattern is an madvise hint.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	// AccessSequential suits replay and backup reads.
	AccessSequential
	// AccessRandom suits record lookups in mapped segments.
	AccessRandom
	// AccessWillNeed prefetches the range.
	AccessWillNeed
)

var (
	ErrClosed        = errors.New("mmap: mapping is closed")
	ErrInvalidSize   = errors.New("mmap: invalid size")
	ErrOutOfBounds   = errors.New("mmap: out of bounds")
	ErrInvalidOffset = errors.New("mmap: invalid offset")
	ErrReadOnly      = errors.New("mmap: mapping is read-only")
)
