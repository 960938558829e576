package array

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/linhash"
	"github.com/hupe1980/segkv/internal/redo"
)

const readChunk = 1 << 20

// Array is a recoverable array of V.
//
// Get is lock free and may run concurrently with Set. Set, growth and
// checkpoints are serialized.
type Array[V redo.Value] struct {
	dir      string
	path     string
	opts     options
	elemSize int

	mu     sync.Mutex
	file   fs.File
	hdr    header
	redo   *redo.Manager[V]
	report redo.Report
	closed bool

	elems   atomic.Pointer[[]atomic.Int64]
	hashing atomic.Pointer[linhash.State]
}

// Open opens or creates the array stored under dir and replays its redo log.
func Open[V redo.Value](dir string, opts ...Option) (*Array[V], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := linhash.New(o.unit); err != nil {
		return nil, err
	}
	if o.start < 0 || o.count < 0 {
		return nil, fmt.Errorf("%w: range start %d count %d", ErrUnsupported, o.start, o.count)
	}
	if err := o.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	a := &Array[V]{
		dir:      dir,
		path:     filepath.Join(dir, FileName),
		opts:     o,
		elemSize: redo.ValueSize[V](),
	}
	if err := a.openFile(); err != nil {
		return nil, err
	}

	redoOpts := append([]redo.Option{
		redo.WithFileSystem(o.fsys),
		redo.WithLogger(o.logger),
	}, o.redoOpts...)
	m, report, err := redo.Open[V](dir, fileSink[V]{a}, redoOpts...)
	if err != nil {
		_ = a.file.Close()
		return nil, err
	}
	a.redo = m
	a.report = report

	if err := a.loadElements(); err != nil {
		_ = a.file.Close()
		return nil, err
	}
	a.storeHashing(a.hdr.length)
	return a, nil
}

func (a *Array[V]) openFile() error {
	f, err := a.opts.fsys.OpenFile(a.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	a.file = f

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if fi.Size() == 0 {
		err = a.create()
	} else {
		err = a.readHeader(fi.Size())
	}
	if err != nil {
		_ = f.Close()
		return err
	}
	return nil
}

func (a *Array[V]) create() error {
	h := header{
		elemSize: a.elemSize,
		dynamic:  a.opts.dynamic,
		start:    a.opts.start,
		length:   a.opts.count,
		unit:     a.opts.unit,
	}
	if h.dynamic {
		h.start = 0
		h.length = roundUp(max(a.opts.count, 1), a.opts.unit)
	}
	a.hdr = h
	if err := a.file.Truncate(a.fileSize(h.length)); err != nil {
		return err
	}
	if err := a.writeHeader(); err != nil {
		return err
	}
	return fs.SyncDir(a.opts.fsys, a.dir)
}

func (a *Array[V]) readHeader(size int64) error {
	buf := make([]byte, HeaderSize)
	if _, err := a.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if h.elemSize != a.elemSize {
		return fmt.Errorf("%w: element size %d, want %d", ErrIncompatible, h.elemSize, a.elemSize)
	}
	if h.dynamic != a.opts.dynamic {
		return fmt.Errorf("%w: dynamic=%t, opened with dynamic=%t", ErrIncompatible, h.dynamic, a.opts.dynamic)
	}
	if !h.dynamic && (h.start != a.opts.start || h.length != a.opts.count) {
		return fmt.Errorf("%w: range [%d, %d), opened with [%d, %d)", ErrIncompatible,
			h.start, h.start+h.length, a.opts.start, a.opts.start+a.opts.count)
	}
	if h.dynamic && h.unit != a.opts.unit {
		a.opts.logger.Warn("unit capacity differs from array file, using persisted unit",
			"requested", a.opts.unit, "persisted", h.unit)
		a.opts.unit = h.unit
	}
	a.hdr = h
	if want := a.fileSize(h.length); size < want {
		return a.file.Truncate(want)
	}
	return nil
}

func (a *Array[V]) fileSize(length int) int64 {
	return HeaderSize + int64(length)*int64(a.elemSize)
}

func (a *Array[V]) writeHeader() error {
	if _, err := a.file.WriteAt(a.hdr.encode(), 0); err != nil {
		return err
	}
	return a.file.Sync()
}

func (a *Array[V]) loadElements() error {
	n := a.hdr.length
	elems := make([]atomic.Int64, n)
	per := readChunk / a.elemSize
	buf := make([]byte, per*a.elemSize)
	for i := 0; i < n; i += per {
		cnt := min(per, n-i)
		b := buf[:cnt*a.elemSize]
		if _, err := a.file.ReadAt(b, a.fileSize(i)); err != nil {
			return fmt.Errorf("read elements at %d: %w", i, err)
		}
		for j := range cnt {
			elems[i+j].Store(int64(redo.GetValue[V](b[j*a.elemSize:], a.elemSize)))
		}
	}
	a.elems.Store(&elems)
	return nil
}

func (a *Array[V]) storeHashing(length int) {
	st, _ := linhash.New(a.opts.unit)
	st.Reinit(length)
	a.hashing.Store(st)
}

// Get returns the element at index.
func (a *Array[V]) Get(index int) (V, error) {
	elems := *a.elems.Load()
	pos := index - a.hdr.start
	if pos < 0 || pos >= len(elems) {
		return 0, &ErrIndexOutOfRange{Index: index, Start: a.hdr.start, End: a.hdr.start + len(elems)}
	}
	return V(elems[pos].Load()), nil
}

// Set records value at index with the given SCN. A dynamic array grows first
// when index is beyond its length.
func (a *Array[V]) Set(index int, value V, scn int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	elems := *a.elems.Load()
	if a.hdr.dynamic && index >= len(elems) {
		if err := a.expandLocked(index); err != nil {
			return err
		}
		elems = *a.elems.Load()
	}
	pos := index - a.hdr.start
	if pos < 0 || pos >= len(elems) {
		return &ErrIndexOutOfRange{Index: index, Start: a.hdr.start, End: a.hdr.start + len(elems)}
	}

	if err := a.redo.AddToEntry(int32(pos), value, scn); err != nil {
		return err
	}
	elems[pos].Store(int64(value))
	return nil
}

// CompareAndSet sets index to value only if it currently holds old.
func (a *Array[V]) CompareAndSet(index int, old, value V, scn int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}

	elems := *a.elems.Load()
	pos := index - a.hdr.start
	if pos < 0 || pos >= len(elems) {
		return false, &ErrIndexOutOfRange{Index: index, Start: a.hdr.start, End: a.hdr.start + len(elems)}
	}
	if V(elems[pos].Load()) != old {
		return false, nil
	}
	if err := a.redo.AddToEntry(int32(pos), value, scn); err != nil {
		return false, err
	}
	elems[pos].Store(int64(value))
	return true, nil
}

// ExpandCapacity grows a dynamic array so that index fits. The new length
// is the larger of linear growth to index and exponential growth of the
// current length, rounded up to the unit capacity.
func (a *Array[V]) ExpandCapacity(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if !a.hdr.dynamic {
		return fmt.Errorf("%w: expand static array", ErrUnsupported)
	}
	return a.expandLocked(index)
}

func (a *Array[V]) expandLocked(index int) error {
	unit := a.opts.unit
	limit := (math.MaxInt32 / unit) * unit
	if index < 0 || index >= limit {
		return &ErrIndexOutOfRange{Index: index, Start: 0, End: limit}
	}

	length := a.hdr.length
	linear := roundUp(index+1, unit)
	exp := roundUp(int(math.Ceil(float64(length)*(1+a.opts.growthRate))), unit)
	newLen := min(max(linear, exp), limit)
	if newLen <= length {
		return nil
	}

	if err := a.file.Truncate(a.fileSize(newLen)); err != nil {
		return fmt.Errorf("grow array file: %w", err)
	}
	a.hdr.length = newLen
	if err := a.writeHeader(); err != nil {
		return err
	}

	old := *a.elems.Load()
	elems := make([]atomic.Int64, newLen)
	for i := range old {
		elems[i].Store(old[i].Load())
	}
	a.elems.Store(&elems)
	a.storeHashing(newLen)

	a.opts.logger.Debug("array expanded", "from", length, "to", newLen, "index", index)
	return nil
}

func roundUp(n, unit int) int {
	return (n + unit - 1) / unit * unit
}

// Persist writes the open redo entry to its file.
func (a *Array[V]) Persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.redo.Persist()
}

// Sync checkpoints all pending mutations into the array file.
func (a *Array[V]) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.redo.Sync()
}

// SaveHWMark raises the high water mark to scn and checkpoints.
func (a *Array[V]) SaveHWMark(scn int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.redo.SaveHWMark(scn)
}

// Clear zeroes every element and drops pending redo entries.
func (a *Array[V]) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.redo.Clear()
}

// LWMark returns the last SCN durable in the array file.
func (a *Array[V]) LWMark() int64 { return a.redo.LWMark() }

// HWMark returns the last SCN accepted.
func (a *Array[V]) HWMark() int64 { return a.redo.HWMark() }

// Length returns the number of elements.
func (a *Array[V]) Length() int { return len(*a.elems.Load()) }

// Start returns the first valid index.
func (a *Array[V]) Start() int { return a.hdr.start }

// Dynamic reports whether the array grows on demand.
func (a *Array[V]) Dynamic() bool { return a.hdr.dynamic }

// Bucket maps a hash to an index in [0, Length) using linear hashing.
func (a *Array[V]) Bucket(hash uint64) int { return a.hashing.Load().Bucket(hash) }

// Hashing returns a snapshot of the linear hashing state.
func (a *Array[V]) Hashing() linhash.State { return *a.hashing.Load() }

// Recovery returns what happened when the array was opened.
func (a *Array[V]) Recovery() redo.Report { return a.report }

// Stats is a snapshot of array state.
type Stats struct {
	Length  int
	LWM     int64
	HWM     int64
	Pending int
	Level   int
	Split   int
}

// Stats returns a snapshot.
func (a *Array[V]) Stats() Stats {
	h := a.hashing.Load()
	return Stats{
		Length:  a.Length(),
		LWM:     a.redo.LWMark(),
		HWM:     a.redo.HWMark(),
		Pending: a.redo.Pending(),
		Level:   h.Level(),
		Split:   h.Split(),
	}
}

// Close checkpoints pending mutations and closes the file.
func (a *Array[V]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return errors.Join(a.redo.Close(), a.file.Close())
}

// fileSink applies redo records to the array file.
type fileSink[V redo.Value] struct {
	a *Array[V]
}

func (s fileSink[V]) WaterMarks() (int64, int64) { return s.a.hdr.lwm, s.a.hdr.hwm }

func (s fileSink[V]) Apply(records []redo.Record[V], scn int64) error {
	a := s.a
	if len(records) == 0 && scn <= a.hdr.lwm && a.hdr.lwm == a.hdr.hwm {
		return nil
	}

	a.hdr.hwm = max(a.hdr.hwm, scn)
	if err := a.writeHeader(); err != nil {
		return err
	}

	if len(records) > 0 {
		if err := a.writeRecords(records); err != nil {
			return err
		}
		if err := a.file.Sync(); err != nil {
			return err
		}
	}

	a.hdr.lwm = a.hdr.hwm
	return a.writeHeader()
}

// writeRecords writes the last value of every position, coalescing
// contiguous positions into one write.
func (a *Array[V]) writeRecords(records []redo.Record[V]) error {
	last := make(map[int32]V, len(records))
	for _, r := range records {
		if r.Pos < 0 || int(r.Pos) >= a.hdr.length {
			return fmt.Errorf("%w: redo position %d beyond length %d", ErrCorrupt, r.Pos, a.hdr.length)
		}
		last[r.Pos] = r.Value
	}
	positions := make([]int32, 0, len(last))
	for p := range last {
		positions = append(positions, p)
	}
	slices.Sort(positions)

	es := a.elemSize
	buf := make([]byte, 0, len(positions)*es)
	runStart := positions[0]
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		_, err := a.file.WriteAt(buf, a.fileSize(int(runStart)))
		buf = buf[:0]
		return err
	}
	for i, p := range positions {
		if i > 0 && p != positions[i-1]+1 {
			if err := flush(); err != nil {
				return err
			}
			runStart = p
		}
		buf = buf[:len(buf)+es]
		redo.PutValue(buf[len(buf)-es:], last[p], es)
	}
	return flush()
}

func (s fileSink[V]) Reset(scn int64) error {
	a := s.a
	if err := a.file.Truncate(HeaderSize); err != nil {
		return err
	}
	if err := a.file.Truncate(a.fileSize(a.hdr.length)); err != nil {
		return err
	}
	a.hdr.lwm, a.hdr.hwm = scn, scn
	if err := a.writeHeader(); err != nil {
		return err
	}
	if p := a.elems.Load(); p != nil {
		elems := *p
		for i := range elems {
			elems[i].Store(0)
		}
	}
	return nil
}
