package array

import (
	"io"
	"log/slog"

	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/redo"
)

const (
	// FileName is the array file inside the array directory.
	FileName = "indexes.dat"

	DefaultUnitCapacity = 1 << 16
	DefaultGrowthRate   = 0.5
)

// Option configures an Array.
type Option func(*options)

type options struct {
	fsys       fs.FileSystem
	logger     *slog.Logger
	dynamic    bool
	start      int
	count      int
	unit       int
	growthRate float64
	redoOpts   []redo.Option
}

func defaultOptions() options {
	return options{
		fsys:       fs.Default,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		dynamic:    true,
		unit:       DefaultUnitCapacity,
		growthRate: DefaultGrowthRate,
	}
}

// WithRange makes the array static over [start, start+count).
func WithRange(start, count int) Option {
	return func(o *options) {
		o.dynamic = false
		o.start = start
		o.count = count
	}
}

// WithInitialLength sets the starting length of a new dynamic array.
// It is rounded up to the unit capacity.
func WithInitialLength(n int) Option {
	return func(o *options) { o.count = n }
}

// WithUnitCapacity sets the growth unit of a dynamic array. It must be a
// power of two.
func WithUnitCapacity(n int) Option {
	return func(o *options) { o.unit = n }
}

// WithGrowthRate sets the exponential growth factor of a dynamic array.
func WithGrowthRate(r float64) Option {
	return func(o *options) { o.growthRate = r }
}

// WithRedoOptions passes options to the redo log.
func WithRedoOptions(opts ...redo.Option) Option {
	return func(o *options) { o.redoOpts = append(o.redoOpts, opts...) }
}

// WithFileSystem sets the file system for the array file and redo log.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
