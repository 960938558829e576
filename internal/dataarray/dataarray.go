package dataarray

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/segkv/internal/address"
	"github.com/hupe1980/segkv/internal/array"
	"github.com/hupe1980/segkv/internal/cache"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/redo"
	"github.com/hupe1980/segkv/internal/segment"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dataarray: closed")
	// ErrDanglingAddress is returned when an address points at a segment
	// that no longer exists.
	ErrDanglingAddress = errors.New("dataarray: address references a missing segment")
)

// ErrRecordTooLarge reports a record that cannot be addressed.
type ErrRecordTooLarge struct {
	Size int
	Max  int
}

func (e *ErrRecordTooLarge) Error() string {
	return fmt.Sprintf("dataarray: record of %d bytes exceeds %d", e.Size, e.Max)
}

// DataArray maps indexes to records stored in the segment heap.
type DataArray struct {
	dir    string
	opts   options
	format address.Format
	addrs  *array.Array[int64]
	segs   *segment.Manager
	cache  *cache.ShardedLRU

	// writeMu serializes appends, address updates and relocation batches.
	writeMu sync.Mutex
	// segLock is held shared by readers and exclusively while freeing a segment.
	segLock sync.RWMutex

	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open opens the data array stored under dir.
func Open(dir string, opts ...Option) (*DataArray, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	segOpts := append([]segment.Option{segment.WithLogger(o.logger)}, o.segmentOpts...)
	segs, err := o.registry.Acquire(dir, segOpts...)
	if err != nil {
		return nil, err
	}
	arrOpts := append([]array.Option{
		array.WithLogger(o.logger),
		array.WithRedoOptions(redo.WithBeforePersist(forceCurrent(segs))),
	}, o.arrayOpts...)
	addrs, err := array.Open[int64](filepath.Join(dir, ArrayDirName), arrOpts...)
	if err != nil {
		_ = o.registry.Release(segs)
		return nil, err
	}

	d := &DataArray{
		dir:    dir,
		opts:   o,
		format: segs.Format(),
		addrs:  addrs,
		segs:   segs,
		stop:   make(chan struct{}),
	}
	if o.cacheBytes > 0 {
		d.cache = cache.NewShardedLRU(o.cacheBytes, o.controller)
	}
	if err := d.rebuild(); err != nil {
		_ = addrs.Close()
		_ = o.registry.Release(segs)
		return nil, err
	}

	if o.interval > 0 {
		d.wg.Add(1)
		go d.compactLoop(o.interval)
	}
	return d, nil
}

// forceCurrent makes appended records durable before an address pointing
// at them reaches a redo entry or the array file. Sealed segments were
// forced when they were sealed.
func forceCurrent(segs *segment.Manager) func() error {
	return func() error {
		if cur := segs.Current(); cur != nil {
			return cur.Force()
		}
		return nil
	}
}

// rebuild recomputes segment loads from the address array, moves append
// positions past every referenced record, frees unreferenced segments and
// opens a fresh current segment.
func (d *DataArray) rebuild() error {
	segs := d.segs.Segments()
	loads := make(map[int]int64, len(segs))
	ends := make(map[int]int64, len(segs))
	dangling := 0

	start := d.addrs.Start()
	for i := start; i < start+d.addrs.Length(); i++ {
		v, err := d.addrs.Get(i)
		if err != nil {
			return err
		}
		addr := uint64(v)
		if addr == address.Nil {
			continue
		}
		id := d.format.Segment(addr)
		if _, err := d.segs.Segment(id); err != nil {
			dangling++
			continue
		}
		size := int64(d.format.DataSize(addr))
		loads[id] += size
		ends[id] = max(ends[id], d.format.Offset(addr)+size)
	}
	if dangling > 0 {
		d.opts.logger.Error("addresses reference missing segments", "count", dangling)
	}

	for _, s := range segs {
		s.SetLoadSize(loads[s.ID()])
		if end, ok := ends[s.ID()]; ok && end > s.AppendPosition() {
			if err := s.Recover(end); err != nil {
				return err
			}
		}
	}

	if n, err := d.segs.FreeEmptySegments(); err != nil {
		return err
	} else if n > 0 {
		d.opts.logger.Info("freed unreferenced segments", "count", n)
	}
	if _, err := d.segs.NextSegment(); err != nil {
		return err
	}
	return nil
}

func (d *DataArray) maxRecordSize() int {
	return min(d.format.MaxDataSize(), int(d.segs.SegmentBytes()-segment.HeaderSize))
}

// Get returns the record at index, or nil if none is set.
func (d *DataArray) Get(index int) ([]byte, error) {
	d.segLock.RLock()
	defer d.segLock.RUnlock()

	addr, err := d.address(index)
	if err != nil || addr == address.Nil {
		return nil, err
	}
	if v, ok := d.cache.Get(addr); ok {
		return bytes.Clone(v), nil
	}
	frame, err := d.readFrame(addr)
	if err != nil {
		return nil, err
	}
	data, err := compress.Decode(frame)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(addr, bytes.Clone(data))
	}
	return data, nil
}

// invalidateFreed drops cached records whose segment is gone. Segment ids
// are reused, so a stale entry could otherwise shadow a new record.
func (d *DataArray) invalidateFreed() {
	if d.cache == nil {
		return
	}
	d.cache.Invalidate(func(addr uint64) bool {
		_, err := d.segs.Segment(d.format.Segment(addr))
		return err != nil
	})
}

func (d *DataArray) address(index int) (uint64, error) {
	v, err := d.addrs.Get(index)
	if err != nil {
		if d.addrs.Dynamic() && index >= 0 && errors.Is(err, array.ErrOutOfRange) {
			return address.Nil, nil
		}
		return 0, err
	}
	return uint64(v), nil
}

func (d *DataArray) readFrame(addr uint64) ([]byte, error) {
	id := d.format.Segment(addr)
	seg, err := d.segs.Segment(id)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d", ErrDanglingAddress, id)
	}
	frame := make([]byte, d.format.DataSize(addr))
	if err := seg.Read(d.format.Offset(addr), frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Set stores data at index with the given SCN.
func (d *DataArray) Set(ctx context.Context, index int, data []byte, scn int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := compress.Encode(d.opts.codec, data)
	if err != nil {
		return err
	}
	if maxSize := d.maxRecordSize(); len(frame) > maxSize {
		return &ErrRecordTooLarge{Size: len(frame), Max: maxSize}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}

	old, err := d.address(index)
	if err != nil {
		return err
	}
	addr, seg, err := d.appendLocked(frame)
	if err != nil {
		return err
	}
	if err := d.addrs.Set(index, int64(addr), scn); err != nil {
		return err
	}
	seg.IncrLoadSize(int64(len(frame)))
	d.release(old)
	return nil
}

// Delete clears index with the given SCN.
func (d *DataArray) Delete(ctx context.Context, index int, scn int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}

	old, err := d.address(index)
	if err != nil {
		return err
	}
	if old == address.Nil {
		return nil
	}
	if err := d.addrs.Set(index, int64(address.Nil), scn); err != nil {
		return err
	}
	d.release(old)
	return nil
}

// appendLocked writes frame to the current segment, moving to a new
// segment when it is full.
func (d *DataArray) appendLocked(frame []byte) (uint64, segment.Segment, error) {
	seg := d.segs.Current()
	for range 2 {
		if seg == nil {
			var err error
			if seg, err = d.segs.NextSegment(); err != nil {
				return 0, nil, err
			}
		}
		off, err := seg.Append(frame)
		if err == nil {
			return d.format.Compose(off, seg.ID(), len(frame)), seg, nil
		}
		if !errors.Is(err, segment.ErrSegmentOverflow) && !errors.Is(err, segment.ErrSegmentReadOnly) {
			return 0, nil, err
		}
		seg = nil
	}
	return 0, nil, segment.ErrSegmentOverflow
}

// transferLocked copies a frame of src into the current segment, moving on
// to a new segment when the current one is full.
func (d *DataArray) transferLocked(src segment.Segment, offset int64, size int) (uint64, segment.Segment, error) {
	dst := d.segs.Current()
	for range 2 {
		if dst == nil {
			var err error
			if dst, err = d.segs.NextSegment(); err != nil {
				return 0, nil, err
			}
		}
		off, err := src.TransferTo(offset, size, dst)
		if err == nil {
			return d.format.Compose(off, dst.ID(), size), dst, nil
		}
		if !errors.Is(err, segment.ErrSegmentOverflow) && !errors.Is(err, segment.ErrSegmentReadOnly) {
			return 0, nil, err
		}
		dst = nil
	}
	return 0, nil, segment.ErrSegmentOverflow
}

func (d *DataArray) release(addr uint64) {
	if addr == address.Nil {
		return
	}
	if seg, err := d.segs.Segment(d.format.Segment(addr)); err == nil {
		seg.DecrLoadSize(int64(d.format.DataSize(addr)))
	}
}

// Persist forces the current segment and writes the open redo entry.
func (d *DataArray) Persist() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.segs.Sync(); err != nil {
		return err
	}
	return d.addrs.Persist()
}

// Sync forces the current segment and checkpoints the address array.
func (d *DataArray) Sync() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.segs.Sync(); err != nil {
		return err
	}
	return d.addrs.Sync()
}

// SaveHWMark raises the high water mark to scn and checkpoints.
func (d *DataArray) SaveHWMark(scn int64) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.segs.Sync(); err != nil {
		return err
	}
	return d.addrs.SaveHWMark(scn)
}

// Checkpoint makes all state durable and runs fn while writes and segment
// frees are blocked. Files under the store directory do not change while fn
// runs. Reads proceed; segments are only freed under writeMu.
func (d *DataArray) Checkpoint(fn func() error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.segs.Sync(); err != nil {
		return err
	}
	if err := d.addrs.Sync(); err != nil {
		return err
	}
	return fn()
}

// Clear drops every record and segment.
func (d *DataArray) Clear() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.segLock.Lock()
	defer d.segLock.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.addrs.Clear(); err != nil {
		return err
	}
	if err := d.segs.Clear(); err != nil {
		return err
	}
	d.cache.Purge()
	_, err := d.segs.NextSegment()
	return err
}

// LWMark returns the last SCN durable in the address array file.
func (d *DataArray) LWMark() int64 { return d.addrs.LWMark() }

// HWMark returns the last SCN accepted.
func (d *DataArray) HWMark() int64 { return d.addrs.HWMark() }

// Length returns the number of addressable indexes.
func (d *DataArray) Length() int { return d.addrs.Length() }

// Start returns the first valid index.
func (d *DataArray) Start() int { return d.addrs.Start() }

// Addresses returns the address array.
func (d *DataArray) Addresses() *array.Array[int64] { return d.addrs }

// Segments returns the segment manager.
func (d *DataArray) Segments() *segment.Manager { return d.segs }

// CacheStats describes the record cache.
type CacheStats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// Stats is a snapshot of the data array.
type Stats struct {
	Array    array.Stats
	Segments segment.Stats
	Cache    CacheStats
}

// Stats returns a snapshot.
func (d *DataArray) Stats() Stats {
	hits, misses := d.cache.Stats()
	return Stats{
		Array:    d.addrs.Stats(),
		Segments: d.segs.Stats(),
		Cache: CacheStats{
			Entries: d.cache.Len(),
			Bytes:   d.cache.Size(),
			Hits:    hits,
			Misses:  misses,
		},
	}
}

func (d *DataArray) compactLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stop
		cancel()
	}()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			_, ran, err := d.tryCompact(ctx)
			if !ran {
				d.opts.logger.Debug("compaction busy, skipping tick")
				continue
			}
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
				d.opts.logger.Warn("background compaction failed", "error", err)
			}
		}
	}
}

// Close stops background compaction, checkpoints and releases all files.
func (d *DataArray) Close() error {
	d.writeMu.Lock()
	if d.closed {
		d.writeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stop)
	d.writeMu.Unlock()
	d.wg.Wait()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return errors.Join(
		d.segs.Sync(),
		d.addrs.Close(),
		d.opts.registry.Release(d.segs),
	)
}
