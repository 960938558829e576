package segkv

import (
	"log/slog"
	"time"

	"github.com/hupe1980/segkv/internal/address"
	"github.com/hupe1980/segkv/internal/array"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/segment"
)

// AddressFormat selects the bit layout of record addresses. It is fixed
// when a store is created.
type AddressFormat = address.Version

const (
	// AddressV1 allows 65535 segments of up to 4GB and records of up to 65535 bytes.
	AddressV1 = address.VersionV1
	// AddressV2 allows 1023 segments of up to 1GB and records of up to 16MB.
	AddressV2 = address.VersionV2
)

// Backing selects how segments hold their bytes.
type Backing = segment.Kind

const (
	// BackingChannel reads and writes segment files with positional I/O.
	BackingChannel = segment.KindChannel
	// BackingMapped memory-maps segment files.
	BackingMapped = segment.KindMapped
	// BackingMemory keeps segments on the heap and writes them out on sync.
	BackingMemory = segment.KindMemory
)

// Compression selects the record codec.
type Compression = compress.Codec

const (
	CompressionNone   = compress.None
	CompressionLZ4    = compress.LZ4
	CompressionZstd   = compress.Zstd
	CompressionSnappy = compress.Snappy
)

type options struct {
	segmentSizeMB  int
	format         AddressFormat
	backing        Backing
	compactFactor  float64
	compactTrigger float64
	recycleLimit   int

	static        bool
	start, count  int
	initialLength int
	unitCapacity  int
	growthRate    float64

	maxEntrySize int
	maxEntries   int

	compression        Compression
	compactionInterval time.Duration
	resources          resource.Config
	cacheBytes         int64

	sourceMarks bool

	metricsCollector MetricsCollector
	logger           *Logger

	registry *segment.Registry
	fsys     fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithSegmentSizeMB sets the size of new segments. A store reopened with a
// different size keeps the persisted one.
func WithSegmentSizeMB(mb int) Option {
	return func(o *options) { o.segmentSizeMB = mb }
}

// WithAddressFormat selects the address layout of a new store.
func WithAddressFormat(f AddressFormat) Option {
	return func(o *options) { o.format = f }
}

// WithBacking selects the segment backing.
func WithBacking(b Backing) Option {
	return func(o *options) { o.backing = b }
}

// WithCompaction tunes the compaction policy: a sealed segment is
// compacted once its live fraction drops below factor, provided the store
// as a whole is more than trigger full.
func WithCompaction(factor, trigger float64) Option {
	return func(o *options) {
		o.compactFactor = factor
		o.compactTrigger = trigger
	}
}

// WithCompactionInterval runs compaction in the background. Zero disables it.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) { o.compactionInterval = d }
}

// WithRecycleLimit bounds how many freed segment ids are kept for reuse.
func WithRecycleLimit(n int) Option {
	return func(o *options) { o.recycleLimit = n }
}

// WithStaticRange fixes the index range to [start, start+count). Indexes
// outside it fail with ErrIndexOutOfRange.
func WithStaticRange(start, count int) Option {
	return func(o *options) {
		o.static = true
		o.start = start
		o.count = count
	}
}

// WithInitialLength preallocates a dynamic store.
func WithInitialLength(n int) Option {
	return func(o *options) { o.initialLength = n }
}

// WithUnitCapacity sets the linear hashing unit of a dynamic store.
func WithUnitCapacity(n int) Option {
	return func(o *options) { o.unitCapacity = n }
}

// WithGrowthRate sets the fraction of a unit added per split step.
func WithGrowthRate(r float64) Option {
	return func(o *options) { o.growthRate = r }
}

// WithRedo tunes the redo log: records per entry file and entry files kept
// before they are merged into the array file.
func WithRedo(maxEntrySize, maxEntries int) Option {
	return func(o *options) {
		o.maxEntrySize = maxEntrySize
		o.maxEntries = maxEntries
	}
}

// WithCompression compresses records before they are appended.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithResourceLimits caps heap segment memory, compaction and backup IO,
// and concurrent compactions. Zero leaves a limit off.
func WithResourceLimits(memoryBytes, ioBytesPerSec int64, workers int) Option {
	return func(o *options) {
		o.resources = resource.Config{
			MemoryLimitBytes:     memoryBytes,
			IOLimitBytesPerSec:   ioBytesPerSec,
			MaxBackgroundWorkers: int64(workers),
		}
	}
}

// WithCacheSize keeps up to n bytes of recently read records in memory.
// Cached bytes count against the memory limit of WithResourceLimits.
func WithCacheSize(n int64) Option {
	return func(o *options) { o.cacheBytes = n }
}

// WithSourceMarks opens a per-source water mark table next to the store.
func WithSourceMarks() Option {
	return func(o *options) { o.sourceMarks = true }
}

// WithMetricsCollector configures a metrics collector. Pass nil to disable.
//
//	metrics := &segkv.BasicMetricsCollector{}
//	s, _ := segkv.Open(dir, segkv.WithMetricsCollector(metrics))
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) { o.logger = NewTextLogger(level) }
}

func withRegistry(r *segment.Registry) Option {
	return func(o *options) { o.registry = r }
}

// withFileSystem sets the file system Backup reads the store files from.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fsys = fsys }
}

func applyOptions(optFns []Option) options {
	policy := segment.DefaultPolicy()
	o := options{
		segmentSizeMB:    segment.DefaultSegmentSizeMB,
		format:           AddressV1,
		backing:          BackingChannel,
		compactFactor:    policy.CompactFactor,
		compactTrigger:   policy.CompactTrigger,
		recycleLimit:     segment.DefaultRecycleLimit,
		unitCapacity:     array.DefaultUnitCapacity,
		growthRate:       array.DefaultGrowthRate,
		compression:      CompressionNone,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		registry:         segment.DefaultRegistry,
		fsys:             fs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
