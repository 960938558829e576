package segkv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/segkv/internal/address"
	"github.com/hupe1980/segkv/internal/array"
	"github.com/hupe1980/segkv/internal/dataarray"
	"github.com/hupe1980/segkv/internal/redo"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/segment"
	"github.com/hupe1980/segkv/watermark"
)

// CompactionStats describes one compaction pass.
type CompactionStats = dataarray.CompactionStats

// Store maps integer indexes to byte records. Records are appended to
// segment files; a recoverable array maps each index to the packed
// address of its record.
//
// Every mutation carries an SCN (system change number) chosen by the
// caller. SCNs must not decrease. LWMark and HWMark report what has been
// made durable.
type Store struct {
	dir     string
	opts    options
	data    *dataarray.DataArray
	rc      *resource.Controller
	marks   *watermark.Table
	logger  *Logger
	metrics MetricsCollector

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store in dir.
func Open(dir string, optFns ...Option) (s *Store, err error) {
	o := applyOptions(optFns)
	start := time.Now()
	defer func() {
		o.metricsCollector.RecordRecovery(time.Since(start), err)
		if err != nil {
			o.logger.LogRecovery(context.Background(), 0, 0, err)
		}
	}()

	format, err := address.Lookup(o.format)
	if err != nil {
		return nil, err
	}
	rc := resource.NewController(o.resources)
	factory, err := segment.NewFactory(o.backing, nil, rc)
	if err != nil {
		return nil, err
	}

	base := o.logger.Logger
	segOpts := []segment.Option{
		segment.WithFactory(factory),
		segment.WithSegmentSizeMB(o.segmentSizeMB),
		segment.WithAddressFormat(format),
		segment.WithPolicy(segment.ThresholdPolicy{CompactFactor: o.compactFactor, CompactTrigger: o.compactTrigger}),
		segment.WithRecycleLimit(o.recycleLimit),
	}
	arrOpts := []array.Option{
		array.WithUnitCapacity(o.unitCapacity),
		array.WithGrowthRate(o.growthRate),
	}
	if o.static {
		arrOpts = append(arrOpts, array.WithRange(o.start, o.count))
	} else if o.initialLength > 0 {
		arrOpts = append(arrOpts, array.WithInitialLength(o.initialLength))
	}
	var redoOpts []redo.Option
	if o.maxEntrySize > 0 {
		redoOpts = append(redoOpts, redo.WithMaxEntrySize(o.maxEntrySize))
	}
	if o.maxEntries > 0 {
		redoOpts = append(redoOpts, redo.WithMaxEntries(o.maxEntries))
	}
	arrOpts = append(arrOpts, array.WithRedoOptions(redoOpts...))

	data, err := dataarray.Open(dir,
		dataarray.WithRegistry(o.registry),
		dataarray.WithSegmentOptions(segOpts...),
		dataarray.WithArrayOptions(arrOpts...),
		dataarray.WithCompression(o.compression),
		dataarray.WithController(rc),
		dataarray.WithCompactionInterval(o.compactionInterval),
		dataarray.WithCacheSize(o.cacheBytes),
		dataarray.WithLogger(base),
	)
	if err != nil {
		return nil, translateError(err)
	}

	s = &Store{
		dir:     dir,
		opts:    o,
		data:    data,
		rc:      rc,
		logger:  o.logger,
		metrics: o.metricsCollector,
	}
	if o.sourceMarks {
		s.marks, err = watermark.Open(filepath.Join(dir, watermark.FileName), watermark.WithLogger(base))
		if err != nil {
			_ = data.Close()
			return nil, err
		}
	}

	rep := data.Addresses().Recovery()
	if rep.DataLoss {
		o.logger.Warn("redo log had an uncovered gap; array reset", "lwm", rep.LWM, "hwm", rep.HWM)
	}
	o.logger.LogRecovery(context.Background(), data.LWMark(), data.HWMark(), nil)
	return s, nil
}

func (s *Store) guard() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the record at index, or nil if the index is unset.
func (s *Store) Get(index int) (rec []byte, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordGet(time.Since(start), rec != nil, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	rec, err = s.data.Get(index)
	return rec, translateError(err)
}

// Set stores data at index. A nil or empty record is stored as such;
// use Delete to unset an index.
func (s *Store) Set(ctx context.Context, index int, data []byte, scn int64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordSet(len(data), time.Since(start), err)
		s.logger.LogSet(ctx, index, scn, len(data), err)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	return translateError(s.data.Set(ctx, index, data, scn))
}

// Delete unsets index. Deleting an unset index is a no-op.
func (s *Store) Delete(ctx context.Context, index int, scn int64) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordDelete(time.Since(start), err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	return translateError(s.data.Delete(ctx, index, scn))
}

func (s *Store) syncOp(fn func() error) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordSync(time.Since(start), err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	return translateError(fn())
}

// Persist writes pending address updates to the redo log. After Persist,
// a crash loses nothing up to HWMark.
func (s *Store) Persist() error {
	return s.syncOp(s.data.Persist)
}

// Sync checkpoints the address array file, raising LWMark to HWMark.
func (s *Store) Sync() error {
	return s.syncOp(s.data.Sync)
}

// SaveHWMark records that every change up to scn has been applied, even if
// the last ones did not touch this store, and checkpoints.
func (s *Store) SaveHWMark(scn int64) error {
	return s.syncOp(func() error { return s.data.SaveHWMark(scn) })
}

// Clear drops all records and segments. Water marks are kept.
func (s *Store) Clear() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	return translateError(s.data.Clear())
}

// LWMark returns the highest SCN checkpointed into the array file.
func (s *Store) LWMark() int64 { return s.data.LWMark() }

// HWMark returns the highest SCN applied.
func (s *Store) HWMark() int64 { return s.data.HWMark() }

// Compact relocates live records out of sparsely used segments and frees them.
func (s *Store) Compact(ctx context.Context) (st CompactionStats, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordCompaction(st.Relocated, st.Freed, st.Bytes, time.Since(start), err)
		s.logger.LogCompaction(ctx, st, err)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return CompactionStats{}, err
	}
	st, err = s.data.Compact(ctx)
	return st, translateError(err)
}

// SourceMarks returns the per-source water mark table, or nil unless the
// store was opened WithSourceMarks.
func (s *Store) SourceMarks() *watermark.Table { return s.marks }

// Stats is a point-in-time view of a store.
type Stats struct {
	Start   int
	Length  int
	Dynamic bool
	LWM     int64
	HWM     int64
	// Pending is the number of redo records not yet in the array file.
	Pending int
	Level   int
	Split   int

	Segments       int
	Holes          int
	CurrentSegment int
	Recycled       []int
	LiveBytes      int64
	CapacityBytes  int64

	CacheEntries int
	CacheBytes   int64
	CacheHits    int64
	CacheMisses  int64

	Resources resource.Stats
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	st := s.data.Stats()
	return Stats{
		Start:          s.data.Start(),
		Length:         st.Array.Length,
		Dynamic:        s.data.Addresses().Dynamic(),
		LWM:            st.Array.LWM,
		HWM:            st.Array.HWM,
		Pending:        st.Array.Pending,
		Level:          st.Array.Level,
		Split:          st.Array.Split,
		Segments:       st.Segments.Segments,
		Holes:          st.Segments.Holes,
		CurrentSegment: st.Segments.CurrentID,
		Recycled:       st.Segments.Recycled,
		LiveBytes:      st.Segments.LiveBytes,
		CapacityBytes:  st.Segments.CapacityBytes,
		CacheEntries:   st.Cache.Entries,
		CacheBytes:     st.Cache.Bytes,
		CacheHits:      st.Cache.Hits,
		CacheMisses:    st.Cache.Misses,
		Resources:      s.rc.Stats(),
	}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Close checkpoints and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.data.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close data: %w", err))
	}
	if s.marks != nil {
		if err := s.marks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source marks: %w", err))
		}
	}
	return errors.Join(errs...)
}
