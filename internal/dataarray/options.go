package dataarray

import (
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/segkv/internal/array"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/segment"
)

const (
	// ArrayDirName holds the address array inside the store directory.
	ArrayDirName = "indexes"

	DefaultBatchSize = 1024
)

// Option configures a DataArray.
type Option func(*options)

type options struct {
	arrayOpts   []array.Option
	segmentOpts []segment.Option
	registry    *segment.Registry
	codec       compress.Codec
	controller  *resource.Controller
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	cacheBytes  int64
}

func defaultOptions() options {
	return options{
		registry:  segment.DefaultRegistry,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize: DefaultBatchSize,
	}
}

// WithArrayOptions configures the address array.
func WithArrayOptions(opts ...array.Option) Option {
	return func(o *options) { o.arrayOpts = append(o.arrayOpts, opts...) }
}

// WithSegmentOptions configures the segment manager.
func WithSegmentOptions(opts ...segment.Option) Option {
	return func(o *options) { o.segmentOpts = append(o.segmentOpts, opts...) }
}

// WithRegistry sets the registry the segment manager is acquired from.
func WithRegistry(r *segment.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithCompression sets the codec for new records.
func WithCompression(c compress.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithController sets the resource controller that paces compaction.
func WithController(c *resource.Controller) Option {
	return func(o *options) { o.controller = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCompactionInterval starts a background compaction loop. Zero disables it.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithBatchSize sets how many records are relocated per write lock.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithCacheSize enables a record cache holding up to n decoded bytes.
func WithCacheSize(n int64) Option {
	return func(o *options) { o.cacheBytes = n }
}
