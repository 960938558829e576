package array

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is the sentinel behind ErrIndexOutOfRange.
	ErrOutOfRange = errors.New("array: index out of range")
	// ErrUnsupported is returned when a static array is asked to grow.
	ErrUnsupported = errors.New("array: operation not supported")
	// ErrCorrupt is returned for an array file whose header fails validation.
	ErrCorrupt = errors.New("array: corrupt file")
	// ErrIncompatible is returned when an existing file does not match the
	// requested element type or range.
	ErrIncompatible = errors.New("array: incompatible file")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("array: closed")
)

// ErrIndexOutOfRange reports an index outside [Start, End).
type ErrIndexOutOfRange struct {
	Index int
	Start int
	End   int
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("array: index %d out of range [%d, %d)", e.Index, e.Start, e.End)
}

func (e *ErrIndexOutOfRange) Unwrap() error { return ErrOutOfRange }
