package segment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segkv/internal/address"
	"github.com/hupe1980/segkv/internal/fs"
)

const (
	// DirName is the subdirectory holding segment files.
	DirName = "segs"
	// MetaFileName is the segment table inside DirName.
	MetaFileName = "segment.meta"

	fileSuffix = ".seg"

	DefaultSegmentSizeMB   = 64
	DefaultRecycleLimit    = 5
	DefaultInitialSlots    = 64
	DefaultLoadConcurrency = 4
)

// Option configures a Manager.
type Option func(*Manager)

// WithFactory sets the segment backing.
func WithFactory(f Factory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithSegmentSizeMB sets the capacity of new segments.
func WithSegmentSizeMB(mb int) Option {
	return func(m *Manager) { m.sizeMB = mb }
}

// WithAddressFormat sets the address layout.
func WithAddressFormat(f address.Format) Option {
	return func(m *Manager) { m.format = f }
}

// WithPolicy sets the compaction policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithRecycleLimit bounds the recycle list.
func WithRecycleLimit(n int) Option {
	return func(m *Manager) { m.recycleLimit = n }
}

// WithInitialSlots sizes a new metadata table.
func WithInitialSlots(n int) Option {
	return func(m *Manager) { m.initialSlots = n }
}

// WithLoadConcurrency bounds parallel segment loading on open.
func WithLoadConcurrency(n int) Option {
	return func(m *Manager) { m.loadWorkers = n }
}

// WithFileSystem sets the file system used for segment files and metadata.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(m *Manager) { m.fsys = fsys }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the segments of one store directory.
type Manager struct {
	dir          string
	fsys         fs.FileSystem
	factory      Factory
	format       address.Format
	sizeMB       int
	policy       Policy
	recycleLimit int
	initialSlots int
	loadWorkers  int
	logger       *slog.Logger

	mu       sync.RWMutex
	segments []Segment // nil entries are holes
	current  Segment
	recycle  *RecycleList
	meta     *Meta
	closed   bool
}

// Open loads the segments under dir, or initializes an empty heap.
// All loaded segments are read-only; call NextSegment before appending.
func Open(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:          dir,
		fsys:         fs.Default,
		format:       address.V1,
		sizeMB:       DefaultSegmentSizeMB,
		policy:       DefaultPolicy(),
		recycleLimit: DefaultRecycleLimit,
		initialSlots: DefaultInitialSlots,
		loadWorkers:  DefaultLoadConcurrency,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = &ChannelFactory{FS: m.fsys}
	}
	if m.sizeMB <= 0 || int64(m.sizeMB)<<20 > m.format.MaxSegmentBytes() {
		return nil, fmt.Errorf("%w: %dMB with address format %s", ErrInvalidSize, m.sizeMB, m.format)
	}

	segDir := filepath.Join(dir, DirName)
	if err := m.fsys.MkdirAll(segDir, 0o755); err != nil {
		return nil, err
	}

	meta, err := OpenMeta(m.fsys, filepath.Join(segDir, MetaFileName), m.initialSlots, m.format.Version(), m.sizeMB)
	if err != nil {
		return nil, err
	}
	if meta.AddressVersion() != m.format.Version() {
		_ = meta.Close()
		return nil, fmt.Errorf("%w: store uses address v%d, opened with %s", ErrIncompatibleFormat, meta.AddressVersion(), m.format)
	}
	if meta.SegmentSizeMB() != m.sizeMB {
		m.logger.Warn("segment size differs from store, using persisted size",
			"requestedMB", m.sizeMB, "persistedMB", meta.SegmentSizeMB())
		m.sizeMB = meta.SegmentSizeMB()
	}
	m.meta = meta
	m.recycle = NewRecycleList(m.recycleLimit)

	if err := m.load(); err != nil {
		_ = m.closeAll()
		return nil, err
	}
	return m, nil
}

func (m *Manager) segmentPath(id int) string {
	return filepath.Join(m.dir, DirName, strconv.Itoa(id)+fileSuffix)
}

func (m *Manager) load() error {
	slots := m.meta.Slots()

	entries, err := m.fsys.ReadDir(filepath.Join(m.dir, DirName))
	if err != nil {
		return err
	}
	onDisk := make(map[int]bool)
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileSuffix)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(name)
		if err != nil || id < 0 {
			continue
		}
		onDisk[id] = true
	}

	n := 0
	for id, s := range slots {
		if s.State == SlotLive {
			if !onDisk[id] {
				m.logger.Warn("live segment file missing", "segmentID", id)
				continue
			}
			n = id + 1
		}
	}

	segs := make([]Segment, n)
	g := new(errgroup.Group)
	g.SetLimit(max(m.loadWorkers, 1))
	for id := range n {
		if slots[id].State != SlotLive || !onDisk[id] {
			continue
		}
		load := slots[id].Load
		g.Go(func() error {
			seg, err := m.factory.Create(id, m.segmentPath(id), m.sizeMB, ReadOnly)
			if err != nil {
				return fmt.Errorf("load segment %d: %w", id, err)
			}
			seg.SetLoadSize(load)
			segs[id] = seg
			return nil
		})
	}
	err = g.Wait()
	m.segments = segs
	if err != nil {
		return err
	}

	// Files without a live slot are freed ids.
	ids := make([]int, 0, len(onDisk))
	for id := range onDisk {
		if id >= len(segs) || segs[id] == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		m.recycleLocked(id)
	}

	m.logger.Info("segments loaded", "dir", m.dir, "segments", m.liveCountLocked(),
		"recycled", m.recycle.Len(), "generation", m.meta.Generation())
	return nil
}

// recycleLocked queues id for reuse. Ids that do not fit, or are evicted,
// lose their file and become holes.
func (m *Manager) recycleLocked(id int) {
	evicted, ok := m.recycle.add(id)
	if !ok {
		m.removeFile(id)
		return
	}
	if err := m.fsys.Truncate(m.segmentPath(id), 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("truncate recycled segment failed", "segmentID", id, "error", err)
	}
	if evicted >= 0 {
		m.removeFile(evicted)
	}
}

func (m *Manager) removeFile(id int) {
	if err := m.fsys.Remove(m.segmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove segment file failed", "segmentID", id, "error", err)
	}
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, s := range m.segments {
		if s != nil {
			n++
		}
	}
	return n
}

// Format returns the address layout of the store.
func (m *Manager) Format() address.Format { return m.format }

// SegmentSizeMB returns the capacity of new segments.
func (m *Manager) SegmentSizeMB() int { return m.sizeMB }

// SegmentBytes returns the capacity of new segments in bytes.
func (m *Manager) SegmentBytes() int64 { return int64(m.sizeMB) << 20 }

// Dir returns the store directory.
func (m *Manager) Dir() string { return m.dir }

// Current returns the writable segment, or nil before the first NextSegment.
func (m *Manager) Current() Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Segment returns the segment with id.
func (m *Manager) Segment(id int) (Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 || id >= len(m.segments) || m.segments[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	return m.segments[id], nil
}

// Segments returns the live segments in id order.
func (m *Manager) Segments() []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Segment, 0, len(m.segments))
	for _, s := range m.segments {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// NextSegment seals the current segment and makes a fresh one current.
// Recycled ids are reused first (smallest first), then holes, then a new id.
func (m *Manager) NextSegment() (Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.current != nil {
		if err := m.current.Seal(); err != nil {
			return nil, err
		}
	}

	id := m.allocateIDLocked()
	if id >= m.format.MaxSegments() {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySegments, m.format.MaxSegments())
	}

	path := m.segmentPath(id)
	// A recycled file may still hold records from before a crash.
	if err := m.fsys.Truncate(path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	seg, err := m.factory.Create(id, path, m.sizeMB, ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", id, err)
	}
	if err := seg.Force(); err != nil {
		_ = seg.Close(false)
		return nil, err
	}

	for len(m.segments) <= id {
		m.segments = append(m.segments, nil)
	}
	m.segments[id] = seg
	m.current = seg

	if err := m.wrapLocked(); err != nil {
		return nil, err
	}
	m.logger.Debug("segment allocated", "segmentID", id)
	return seg, nil
}

func (m *Manager) allocateIDLocked() int {
	if id, ok := m.recycle.Pop(); ok {
		return id
	}
	for i, s := range m.segments {
		if s == nil {
			return i
		}
	}
	return len(m.segments)
}

// GlobalStats sums load and capacity over all live segments.
func (m *Manager) GlobalStats() GlobalStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalStatsLocked()
}

func (m *Manager) globalStatsLocked() GlobalStats {
	var g GlobalStats
	for _, s := range m.segments {
		if s == nil {
			continue
		}
		g.Segments++
		g.LiveBytes += s.LoadSize()
		g.CapacityBytes += s.Capacity()
	}
	return g
}

// SelectForCompaction returns the segments the policy marks eligible,
// lowest load first. The current segment is never selected.
func (m *Manager) SelectForCompaction() []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := m.globalStatsLocked()
	var out []Segment
	for _, s := range m.segments {
		if s == nil || s == m.current {
			continue
		}
		if m.policy.ShouldCompact(s, g) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Segment) int {
		if c := a.LoadSize() - b.LoadSize(); c != 0 {
			if c < 0 {
				return -1
			}
			return 1
		}
		return a.ID() - b.ID()
	})
	return out
}

// FreeSegment releases a segment that no longer holds live records: its
// slot is marked free, the file is released and the id is recycled.
func (m *Manager) FreeSegment(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeLocked(id)
}

func (m *Manager) freeLocked(id int) error {
	if id < 0 || id >= len(m.segments) || m.segments[id] == nil {
		return fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	seg := m.segments[id]
	if seg == m.current {
		return fmt.Errorf("segment: cannot free current segment %d", id)
	}

	seg.SetLoadSize(0)
	m.segments[id] = nil
	if err := m.wrapLocked(); err != nil {
		return err
	}
	if err := seg.Close(false); err != nil {
		m.logger.Warn("close freed segment failed", "segmentID", id, "error", err)
	}
	m.recycleLocked(id)
	m.logger.Info("segment freed", "segmentID", id)
	return nil
}

// FreeEmptySegments frees every sealed segment without live bytes.
func (m *Manager) FreeEmptySegments() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.segments {
		if s == nil || s == m.current || s.Mode() != ReadOnly || s.LoadSize() > 0 {
			continue
		}
		if err := m.freeLocked(id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RecycledIDs returns the queued ids in ascending order.
func (m *Manager) RecycledIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recycle.IDs()
}

// Wrap persists the LIVE/FREE state and load of every segment.
func (m *Manager) Wrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wrapLocked()
}

func (m *Manager) wrapLocked() error {
	slots := make([]Slot, len(m.segments))
	for i, s := range m.segments {
		if s != nil {
			slots[i] = Slot{State: SlotLive, Load: s.LoadSize()}
		}
	}
	return m.meta.Write(slots)
}

// Sync forces the current segment and persists the metadata.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.current != nil {
		if err := m.current.Force(); err != nil {
			return err
		}
	}
	return m.wrapLocked()
}

// Clear drops every segment and resets the metadata.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	var errs []error
	for id, s := range m.segments {
		if s == nil {
			continue
		}
		errs = append(errs, s.Close(false))
		m.removeFile(id)
	}
	for _, id := range m.recycle.IDs() {
		m.removeFile(id)
	}
	m.segments = nil
	m.current = nil
	m.recycle = NewRecycleList(m.recycleLimit)
	errs = append(errs, m.meta.Reset())
	return errors.Join(errs...)
}

// Close seals the current segment, persists the metadata and releases all segments.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	var errs []error
	if m.current != nil {
		errs = append(errs, m.current.Seal())
	}
	errs = append(errs, m.wrapLocked())
	errs = append(errs, m.closeAll())
	m.closed = true
	return errors.Join(errs...)
}

func (m *Manager) closeAll() error {
	var errs []error
	for _, s := range m.segments {
		if s != nil {
			errs = append(errs, s.Close(false))
		}
	}
	if m.meta != nil {
		errs = append(errs, m.meta.Close())
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the heap.
type Stats struct {
	Segments       int
	Holes          int
	CurrentID      int
	Recycled       []int
	LiveBytes      int64
	CapacityBytes  int64
	MetaGeneration int32
}

// Stats returns the current heap statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := m.globalStatsLocked()
	st := Stats{
		Segments:       g.Segments,
		Holes:          len(m.segments) - g.Segments,
		CurrentID:      -1,
		Recycled:       m.recycle.IDs(),
		LiveBytes:      g.LiveBytes,
		CapacityBytes:  g.CapacityBytes,
		MetaGeneration: m.meta.Generation(),
	}
	if m.current != nil {
		st.CurrentID = m.current.ID()
	}
	return st
}
