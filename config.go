package segkv

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/segkv/internal/compress"
)

// Config is the declarative form of the Open options.
//
//	segment_size_mb: 64
//	address_format: 1
//	backing: mapped
//	compression: lz4
//	compaction:
//	  factor: 0.5
//	  trigger: 0.1
//	  interval: 30s
//	array:
//	  unit_capacity: 65536
//	  growth_rate: 0.5
type Config struct {
	SegmentSizeMB int    `yaml:"segment_size_mb" validate:"omitempty,min=1,max=4096"`
	AddressFormat int    `yaml:"address_format" validate:"omitempty,oneof=1 2"`
	Backing       string `yaml:"backing" validate:"omitempty,oneof=channel mapped memory"`
	Compression   string `yaml:"compression" validate:"omitempty,oneof=none lz4 zstd snappy"`
	RecycleLimit  int    `yaml:"recycle_limit" validate:"omitempty,min=0"`
	SourceMarks   bool   `yaml:"source_marks"`
	CacheBytes    int64  `yaml:"cache_bytes" validate:"omitempty,min=0"`

	Compaction CompactionConfig `yaml:"compaction"`
	Array      ArrayConfig      `yaml:"array"`
	Redo       RedoConfig       `yaml:"redo"`
	Resources  ResourceConfig   `yaml:"resources"`
}

type CompactionConfig struct {
	Factor   float64       `yaml:"factor" validate:"omitempty,gt=0,lte=1"`
	Trigger  float64       `yaml:"trigger" validate:"omitempty,gte=0,lte=1"`
	Interval time.Duration `yaml:"interval" validate:"omitempty,min=0"`
}

type ArrayConfig struct {
	// Start and Count fix a static range when Count > 0.
	Start         int     `yaml:"start" validate:"omitempty,min=0"`
	Count         int     `yaml:"count" validate:"omitempty,min=1"`
	InitialLength int     `yaml:"initial_length" validate:"omitempty,min=0"`
	UnitCapacity  int     `yaml:"unit_capacity" validate:"omitempty,min=1"`
	GrowthRate    float64 `yaml:"growth_rate" validate:"omitempty,gt=0,lte=1"`
}

type RedoConfig struct {
	MaxEntrySize int `yaml:"max_entry_size" validate:"omitempty,min=1"`
	MaxEntries   int `yaml:"max_entries" validate:"omitempty,min=1"`
}

type ResourceConfig struct {
	MemoryLimitBytes   int64 `yaml:"memory_limit_bytes" validate:"omitempty,min=0"`
	IOLimitBytesPerSec int64 `yaml:"io_limit_bytes_per_sec" validate:"omitempty,min=0"`
	BackgroundWorkers  int   `yaml:"background_workers" validate:"omitempty,min=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseConfig decodes and validates YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// WithConfig applies the fields set in cfg. Zero fields keep their defaults.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		if cfg.SegmentSizeMB > 0 {
			o.segmentSizeMB = cfg.SegmentSizeMB
		}
		if cfg.AddressFormat > 0 {
			o.format = AddressFormat(cfg.AddressFormat)
		}
		if cfg.Backing != "" {
			o.backing = Backing(cfg.Backing)
		}
		if cfg.Compression != "" {
			if c, err := ParseCompression(cfg.Compression); err == nil {
				o.compression = c
			}
		}
		if cfg.RecycleLimit > 0 {
			o.recycleLimit = cfg.RecycleLimit
		}
		if cfg.CacheBytes > 0 {
			o.cacheBytes = cfg.CacheBytes
		}
		o.sourceMarks = o.sourceMarks || cfg.SourceMarks

		if cfg.Compaction.Factor > 0 {
			o.compactFactor = cfg.Compaction.Factor
		}
		if cfg.Compaction.Trigger > 0 {
			o.compactTrigger = cfg.Compaction.Trigger
		}
		if cfg.Compaction.Interval > 0 {
			o.compactionInterval = cfg.Compaction.Interval
		}

		if cfg.Array.Count > 0 {
			o.static = true
			o.start = cfg.Array.Start
			o.count = cfg.Array.Count
		}
		if cfg.Array.InitialLength > 0 {
			o.initialLength = cfg.Array.InitialLength
		}
		if cfg.Array.UnitCapacity > 0 {
			o.unitCapacity = cfg.Array.UnitCapacity
		}
		if cfg.Array.GrowthRate > 0 {
			o.growthRate = cfg.Array.GrowthRate
		}

		if cfg.Redo.MaxEntrySize > 0 {
			o.maxEntrySize = cfg.Redo.MaxEntrySize
		}
		if cfg.Redo.MaxEntries > 0 {
			o.maxEntries = cfg.Redo.MaxEntries
		}

		r := cfg.Resources
		if r.MemoryLimitBytes > 0 || r.IOLimitBytesPerSec > 0 || r.BackgroundWorkers > 0 {
			o.resources.MemoryLimitBytes = r.MemoryLimitBytes
			o.resources.IOLimitBytesPerSec = r.IOLimitBytesPerSec
			o.resources.MaxBackgroundWorkers = int64(r.BackgroundWorkers)
		}
	}
}

// ParseCompression maps a codec name to a Compression.
func ParseCompression(name string) (Compression, error) {
	return compress.ParseCodec(name)
}
