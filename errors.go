package segkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segkv/internal/array"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/dataarray"
	"github.com/hupe1980/segkv/internal/manifest"
	"github.com/hupe1980/segkv/internal/segment"
)

var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("segkv: closed")
	// ErrNoBackup is returned by Restore when the blob store holds no committed backup.
	ErrNoBackup = errors.New("segkv: no backup")
	// ErrCorrupt is returned when persisted state fails validation.
	ErrCorrupt = errors.New("segkv: corrupt data")
	// ErrStoreFull is returned when no segment id is left for new records.
	ErrStoreFull = errors.New("segkv: no free segment")
	// ErrNotEmpty is returned by Restore for a target directory that holds files.
	ErrNotEmpty = errors.New("segkv: directory not empty")
)

// ErrIndexOutOfRange reports an index outside a static store's range.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrIndexOutOfRange struct {
	Index int
	Start int
	End   int
	cause error
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("index %d out of range [%d, %d)", e.Index, e.Start, e.End)
}

func (e *ErrIndexOutOfRange) Unwrap() error { return e.cause }

// ErrRecordTooLarge reports a record whose encoded size exceeds what an
// address can hold.
type ErrRecordTooLarge struct {
	Size  int
	Max   int
	cause error
}

func (e *ErrRecordTooLarge) Error() string {
	return fmt.Sprintf("record of %d bytes exceeds limit of %d", e.Size, e.Max)
}

func (e *ErrRecordTooLarge) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var oor *array.ErrIndexOutOfRange
	if errors.As(err, &oor) {
		return &ErrIndexOutOfRange{Index: oor.Index, Start: oor.Start, End: oor.End, cause: err}
	}
	var big *dataarray.ErrRecordTooLarge
	if errors.As(err, &big) {
		return &ErrRecordTooLarge{Size: big.Size, Max: big.Max, cause: err}
	}

	switch {
	case errors.Is(err, dataarray.ErrClosed),
		errors.Is(err, array.ErrClosed),
		errors.Is(err, segment.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, array.ErrCorrupt),
		errors.Is(err, segment.ErrCorrupt),
		errors.Is(err, compress.ErrCorrupt),
		errors.Is(err, dataarray.ErrDanglingAddress):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, segment.ErrTooManySegments):
		return fmt.Errorf("%w: %w", ErrStoreFull, err)
	case errors.Is(err, manifest.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNoBackup, err)
	}
	return err
}
