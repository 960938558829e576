package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HeaderSize is the reserved space at the start of every segment.
const HeaderSize = 8

// Mode is the access mode of a segment.
type Mode int32

const (
	// ReadWrite segments accept appends.
	ReadWrite Mode = iota
	// ReadOnly segments are sealed.
	ReadOnly
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "READ_WRITE"
	case ReadOnly:
		return "READ_ONLY"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

var (
	// ErrSegmentOverflow is returned when an append does not fit the remaining capacity.
	ErrSegmentOverflow = errors.New("segment: overflow")
	// ErrSegmentReadOnly is returned when appending to a sealed segment.
	ErrSegmentReadOnly = errors.New("segment: read-only")
	// ErrOutOfBounds is returned when a read reaches past the append position.
	ErrOutOfBounds = errors.New("segment: read out of bounds")
	// ErrClosed is returned by operations on a closed segment.
	ErrClosed = errors.New("segment: closed")
	// ErrSegmentNotFound is returned for an id the manager does not hold.
	ErrSegmentNotFound = errors.New("segment: not found")
	// ErrTooManySegments is returned when the address format has no free segment id.
	ErrTooManySegments = errors.New("segment: too many segments")
	// ErrInvalidSize is returned for segment sizes the address format cannot represent.
	ErrInvalidSize = errors.New("segment: invalid segment size")
	// ErrIncompatibleFormat is returned when persisted metadata uses another layout.
	ErrIncompatibleFormat = errors.New("segment: incompatible format")
	// ErrCorrupt is returned when segment metadata cannot be decoded.
	ErrCorrupt = errors.New("segment: corrupt metadata")
)

// Segment is a bounded append-only region of record bytes.
//
// Append is exclusive. Reads of offsets below AppendPosition may run
// concurrently with an append.
type Segment interface {
	ID() int
	Path() string
	Mode() Mode
	Capacity() int64
	AppendPosition() int64

	LoadSize() int64
	LoadFactor() float64
	IncrLoadSize(n int64)
	DecrLoadSize(n int64)
	SetLoadSize(n int64)

	LastForcedTime() time.Time

	// Append writes p and returns the offset it was written at.
	Append(p []byte) (int64, error)
	// Read fills dst from offset.
	Read(offset int64, dst []byte) error
	ReadInt(pos int64) (int32, error)
	ReadLong(pos int64) (int64, error)
	ReadShort(pos int64) (int16, error)
	// TransferTo copies length bytes at offset into dst and returns the new offset.
	TransferTo(offset int64, length int, dst Segment) (int64, error)

	// Recover moves the append position forward to at least pos.
	Recover(pos int64) error
	Force() error
	Seal() error
	Close(force bool) error
}

// backing is the storage behind a segment.
type backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Flush makes bytes in [from, to) and the header durable.
	Flush(from, to int64) error
	Close() error
}

type segment struct {
	id       int
	path     string
	capacity int64
	b        backing

	appendMu sync.Mutex
	mode     atomic.Int32
	pos      atomic.Int64
	forced   atomic.Int64 // append position at last Force
	load     atomic.Int64
	lastSync atomic.Int64 // unix nanos
	closed   atomic.Bool
}

func newSegment(id int, path string, capacity int64, mode Mode, b backing) (*segment, error) {
	s := &segment{id: id, path: path, capacity: capacity, b: b}
	s.mode.Store(int32(mode))

	var hdr [HeaderSize]byte
	if _, err := b.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("read segment %d header: %w", id, err)
	}
	pos := int64(binary.LittleEndian.Uint64(hdr[:]))
	if pos < HeaderSize || pos > capacity {
		pos = HeaderSize
	}
	s.pos.Store(pos)
	s.forced.Store(pos)
	return s, nil
}

func (s *segment) ID() int               { return s.id }
func (s *segment) Path() string          { return s.path }
func (s *segment) Mode() Mode            { return Mode(s.mode.Load()) }
func (s *segment) Capacity() int64       { return s.capacity }
func (s *segment) AppendPosition() int64 { return s.pos.Load() }
func (s *segment) LoadSize() int64       { return s.load.Load() }
func (s *segment) IncrLoadSize(n int64)  { s.load.Add(n) }
func (s *segment) SetLoadSize(n int64)   { s.load.Store(n) }

func (s *segment) DecrLoadSize(n int64) {
	if s.load.Add(-n) < 0 {
		s.load.Store(0)
	}
}

func (s *segment) LoadFactor() float64 {
	return float64(s.load.Load()) / float64(s.capacity)
}

func (s *segment) LastForcedTime() time.Time {
	ns := s.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *segment) Append(p []byte) (int64, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.Mode() != ReadWrite {
		return 0, ErrSegmentReadOnly
	}

	off := s.pos.Load()
	if off+int64(len(p)) > s.capacity {
		return 0, ErrSegmentOverflow
	}
	if _, err := s.b.WriteAt(p, off); err != nil {
		return 0, fmt.Errorf("append to segment %d: %w", s.id, err)
	}
	// Publishing the position makes the bytes visible to readers.
	s.pos.Store(off + int64(len(p)))
	return off, nil
}

func (s *segment) Read(offset int64, dst []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if offset < HeaderSize || offset+int64(len(dst)) > s.pos.Load() {
		return fmt.Errorf("%w: segment %d offset %d length %d", ErrOutOfBounds, s.id, offset, len(dst))
	}
	if _, err := s.b.ReadAt(dst, offset); err != nil {
		return fmt.Errorf("read segment %d: %w", s.id, err)
	}
	return nil
}

func (s *segment) ReadInt(pos int64) (int32, error) {
	var b [4]byte
	if err := s.Read(pos, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func (s *segment) ReadLong(pos int64) (int64, error) {
	var b [8]byte
	if err := s.Read(pos, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func (s *segment) ReadShort(pos int64) (int16, error) {
	var b [2]byte
	if err := s.Read(pos, b[:]); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b[:])), nil
}

func (s *segment) TransferTo(offset int64, length int, dst Segment) (int64, error) {
	buf := make([]byte, length)
	if err := s.Read(offset, buf); err != nil {
		return 0, err
	}
	return dst.Append(buf)
}

func (s *segment) Recover(pos int64) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if pos > s.capacity {
		return fmt.Errorf("%w: segment %d recover position %d beyond capacity %d", ErrOutOfBounds, s.id, pos, s.capacity)
	}
	if pos > s.pos.Load() {
		s.pos.Store(pos)
	}
	return nil
}

func (s *segment) Force() error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return s.forceLocked()
}

func (s *segment) forceLocked() error {
	if s.closed.Load() {
		return ErrClosed
	}
	pos := s.pos.Load()
	from := s.forced.Load()
	if pos != from {
		var hdr [HeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[:], uint64(pos))
		if _, err := s.b.WriteAt(hdr[:], 0); err != nil {
			return fmt.Errorf("write segment %d header: %w", s.id, err)
		}
		if err := s.b.Flush(from, pos); err != nil {
			return fmt.Errorf("force segment %d: %w", s.id, err)
		}
		s.forced.Store(pos)
	}
	s.lastSync.Store(time.Now().UnixNano())
	return nil
}

func (s *segment) Seal() error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.Mode() == ReadOnly {
		return nil
	}
	if err := s.forceLocked(); err != nil {
		return err
	}
	s.mode.Store(int32(ReadOnly))
	return nil
}

func (s *segment) Close(force bool) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.closed.Load() {
		return nil
	}
	var ferr error
	if force {
		ferr = s.forceLocked()
	}
	s.closed.Store(true)
	return errors.Join(ferr, s.b.Close())
}
