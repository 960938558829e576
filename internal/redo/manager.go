package redo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/hupe1980/segkv/internal/fs"
)

const (
	// DirName is the subdirectory holding redo files.
	DirName = "entries"

	filePrefix = "entry_"
	fileSuffix = ".redo"

	DefaultMaxEntrySize = 10000
	DefaultMaxEntries   = 5
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("redo: closed")

// Sink is the array file the log checkpoints into.
type Sink[V Value] interface {
	// WaterMarks returns the low and high water marks from the file header.
	WaterMarks() (lwm, hwm int64)
	// Apply writes records in order. The header announces scn as high water
	// mark before the elements are written and records it as low water mark
	// once they are durable.
	Apply(records []Record[V], scn int64) error
	// Reset zeroes every element and sets both marks to scn.
	Reset(scn int64) error
}

// Option configures a Manager.
type Option func(*config)

type config struct {
	fsys          fs.FileSystem
	maxEntrySize  int
	maxEntries    int
	logger        *slog.Logger
	beforePersist func() error
}

// WithMaxEntrySize sets how many records an entry holds before it is sealed.
func WithMaxEntrySize(n int) Option {
	return func(c *config) { c.maxEntrySize = n }
}

// WithMaxEntries sets how many sealed entries trigger a merge.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithFileSystem sets the file system for redo files.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(c *config) { c.fsys = fsys }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBeforePersist registers fn to run before an entry file or a merge is
// written. Records must not become durable before the data they point at,
// so callers force their data files here. An error aborts the write.
func WithBeforePersist(fn func() error) Option {
	return func(c *config) { c.beforePersist = fn }
}

// Report summarizes a recovery.
type Report struct {
	Entries    int
	Replayed   int
	Records    int
	Corrupt    int
	DataLoss   bool
	LWM, HWM   int64
	Consistent bool
}

// Manager owns the open entry, the queue of sealed entries and the water marks.
type Manager[V Value] struct {
	dir  string
	cfg  config
	sink Sink[V]

	mu     sync.Mutex
	open   *Entry[V]
	sealed []*Entry[V]
	seq    uint64
	closed bool

	lwm atomic.Int64
	hwm atomic.Int64
}

// Open creates the manager for the redo directory under home and recovers
// the sink from any persisted entries.
func Open[V Value](home string, sink Sink[V], opts ...Option) (*Manager[V], Report, error) {
	cfg := config{
		fsys:         fs.Default,
		maxEntrySize: DefaultMaxEntrySize,
		maxEntries:   DefaultMaxEntries,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.maxEntrySize = max(cfg.maxEntrySize, 1)
	cfg.maxEntries = max(cfg.maxEntries, 1)

	m := &Manager[V]{
		dir:  filepath.Join(home, DirName),
		cfg:  cfg,
		sink: sink,
	}
	if err := cfg.fsys.MkdirAll(m.dir, 0o755); err != nil {
		return nil, Report{}, err
	}

	lwm, hwm := sink.WaterMarks()
	m.lwm.Store(lwm)
	m.hwm.Store(max(lwm, hwm))

	report, err := m.recover(lwm, hwm)
	if err != nil {
		return nil, report, err
	}
	m.open = NewEntry[V](m.seq, cfg.maxEntrySize)
	return m, report, nil
}

func (m *Manager[V]) fileName(seq uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix))
}

func parseSeq(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, fileSuffix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	return seq, err == nil
}

func (m *Manager[V]) loadEntries() ([]*Entry[V], int, error) {
	dirEntries, err := m.cfg.fsys.ReadDir(m.dir)
	if err != nil {
		return nil, 0, err
	}

	var out []*Entry[V]
	corrupt := 0
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = m.cfg.fsys.Remove(filepath.Join(m.dir, name))
			continue
		}
		seq, ok := parseSeq(name)
		if !ok {
			continue
		}
		path := filepath.Join(m.dir, name)
		e, err := readEntry[V](path)
		if err != nil {
			corrupt++
			m.cfg.logger.Warn("skipping unreadable redo entry", "file", name, "error", err)
			_ = m.cfg.fsys.Remove(path)
			continue
		}
		out = append(out, e)
		m.seq = max(m.seq, seq+1)
	}
	return out, corrupt, nil
}

func readEntry[V Value](path string) (*Entry[V], error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return Decode[V](r, int64(r.Len()), path)
}

func (m *Manager[V]) recover(lwm, hwm int64) (Report, error) {
	entries, corrupt, err := m.loadEntries()
	if err != nil {
		return Report{}, err
	}

	plan := PlanRecovery(lwm, hwm, entries)
	report := Report{Entries: len(entries), Corrupt: corrupt, Consistent: plan.Consistent}

	if plan.GapUncovered {
		m.cfg.logger.Error("redo recovery integrity error: array write interrupted and no entry covers the gap, resetting array",
			"lwm", lwm, "hwm", hwm, "entries", len(entries))
		m.removeEntries(plan.Discard)
		if err := m.sink.Reset(hwm); err != nil {
			return report, fmt.Errorf("reset array: %w", err)
		}
		m.lwm.Store(hwm)
		m.hwm.Store(hwm)
		report.DataLoss = true
		report.LWM, report.HWM = hwm, hwm
		return report, nil
	}

	m.removeEntries(plan.Discard)

	records := plan.Records()
	if len(plan.Replay) > 0 {
		if err := m.sink.Apply(records, plan.HWM); err != nil {
			return report, fmt.Errorf("replay redo entries: %w", err)
		}
		m.removeEntries(plan.Replay)
	} else if !plan.Consistent {
		// Nothing newer than lwm exists, but the header still announces hwm.
		if err := m.sink.Apply(nil, plan.HWM); err != nil {
			return report, err
		}
	}

	m.lwm.Store(plan.HWM)
	m.hwm.Store(plan.HWM)
	report.Replayed = len(plan.Replay)
	report.Records = len(records)
	report.LWM, report.HWM = plan.HWM, plan.HWM

	if report.Replayed > 0 || corrupt > 0 || !plan.Consistent {
		m.cfg.logger.Info("redo recovery finished", "entries", report.Entries, "replayed", report.Replayed,
			"records", report.Records, "corrupt", corrupt, "consistent", plan.Consistent, "hwm", plan.HWM)
	}
	return report, nil
}

func (m *Manager[V]) beforePersist() error {
	if m.cfg.beforePersist == nil {
		return nil
	}
	if err := m.cfg.beforePersist(); err != nil {
		return fmt.Errorf("redo before persist: %w", err)
	}
	return nil
}

func (m *Manager[V]) removeEntries(entries []*Entry[V]) {
	for _, e := range entries {
		if e.file == "" {
			continue
		}
		if err := m.cfg.fsys.Remove(e.file); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.cfg.logger.Warn("remove redo entry failed", "file", e.file, "error", err)
		}
	}
}

// AddToEntry records a mutation. The high water mark advances immediately.
func (m *Manager[V]) AddToEntry(pos int32, v V, scn int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.open.Add(pos, v, scn)
	if scn > m.hwm.Load() {
		m.hwm.Store(scn)
	}
	if m.open.Len() < m.cfg.maxEntrySize {
		return nil
	}
	if err := m.switchLocked(); err != nil {
		return err
	}
	if len(m.sealed) >= m.cfg.maxEntries {
		return m.mergeLocked()
	}
	return nil
}

// switchLocked seals the open entry into a redo file and opens a new one.
func (m *Manager[V]) switchLocked() error {
	if m.open.Len() == 0 {
		return nil
	}
	if err := m.beforePersist(); err != nil {
		return err
	}
	e := m.open
	path := m.fileName(e.seq)
	if err := fs.WriteFileAtomic(m.cfg.fsys, path, Encode(e), 0o644); err != nil {
		return fmt.Errorf("persist redo entry %d: %w", e.seq, err)
	}
	if err := fs.SyncDir(m.cfg.fsys, m.dir); err != nil {
		return err
	}
	e.seal(path)
	m.sealed = append(m.sealed, e)
	m.seq++
	m.open = NewEntry[V](m.seq, m.cfg.maxEntrySize)
	return nil
}

// mergeLocked applies every sealed entry to the sink and deletes their files.
// The low water mark advances to the merged max SCN, or to the high water
// mark when nothing is left in the open entry.
func (m *Manager[V]) mergeLocked() error {
	target := int64(math.MinInt64)
	for _, e := range m.sealed {
		target = max(target, e.MaxSCN())
	}
	if m.open.Len() == 0 {
		target = max(target, m.hwm.Load())
	}
	if target <= m.lwm.Load() && len(m.sealed) == 0 {
		return nil
	}
	target = max(target, m.lwm.Load())

	if err := m.beforePersist(); err != nil {
		return err
	}
	if err := m.sink.Apply(Merge(m.sealed), target); err != nil {
		return fmt.Errorf("merge redo entries: %w", err)
	}
	m.lwm.Store(target)

	m.removeEntries(m.sealed)
	for _, e := range m.sealed {
		e.merged()
	}
	m.sealed = m.sealed[:0]
	return nil
}

// Persist seals the open entry into a redo file.
func (m *Manager[V]) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.switchLocked()
}

// Flush seals the open entry and merges everything into the sink.
func (m *Manager[V]) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.flushLocked()
}

func (m *Manager[V]) flushLocked() error {
	if err := m.switchLocked(); err != nil {
		return err
	}
	return m.mergeLocked()
}

// Sync is Flush.
func (m *Manager[V]) Sync() error { return m.Flush() }

// SaveHWMark raises the high water mark to scn and checkpoints, so that
// afterwards LWM == HWM.
func (m *Manager[V]) SaveHWMark(scn int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if scn > m.hwm.Load() {
		m.hwm.Store(scn)
	}
	return m.flushLocked()
}

// LWMark returns the last SCN durable in the array file.
func (m *Manager[V]) LWMark() int64 { return m.lwm.Load() }

// HWMark returns the last SCN accepted.
func (m *Manager[V]) HWMark() int64 { return m.hwm.Load() }

// Pending returns the number of records not yet merged.
func (m *Manager[V]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.open.Len()
	for _, e := range m.sealed {
		n += e.Len()
	}
	return n
}

// SealedEntries returns the number of queued entries.
func (m *Manager[V]) SealedEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sealed)
}

// Clear drops pending entries and their files. Water marks are kept and
// become equal.
func (m *Manager[V]) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.removeEntries(m.sealed)
	m.sealed = m.sealed[:0]
	m.open = NewEntry[V](m.seq, m.cfg.maxEntrySize)
	hwm := m.hwm.Load()
	if err := m.sink.Reset(hwm); err != nil {
		return err
	}
	m.lwm.Store(hwm)
	return nil
}

// Close checkpoints and rejects further work.
func (m *Manager[V]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	err := m.flushLocked()
	m.closed = true
	return err
}
