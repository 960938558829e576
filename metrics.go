package segkv

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operation outcomes. The prommetrics package
// provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordGet is called after each Get. hit is false for an unset index.
	RecordGet(duration time.Duration, hit bool, err error)
	// RecordSet is called after each Set with the record size in bytes.
	RecordSet(size int, duration time.Duration, err error)
	RecordDelete(duration time.Duration, err error)
	// RecordCompaction is called after each compaction pass.
	RecordCompaction(relocated, freed int, bytes int64, duration time.Duration, err error)
	// RecordRecovery is called once by Open.
	RecordRecovery(duration time.Duration, err error)
	// RecordSync is called after Persist, Sync and SaveHWMark.
	RecordSync(duration time.Duration, err error)
}

// NoopMetricsCollector discards everything.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordGet(time.Duration, bool, error)                   {}
func (NoopMetricsCollector) RecordSet(int, time.Duration, error)                    {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)                      {}
func (NoopMetricsCollector) RecordCompaction(int, int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordRecovery(time.Duration, error)                    {}
func (NoopMetricsCollector) RecordSync(time.Duration, error)                        {}

// BasicMetricsCollector counts operations in memory.
type BasicMetricsCollector struct {
	GetCount        atomic.Int64
	GetMisses       atomic.Int64
	GetErrors       atomic.Int64
	SetCount        atomic.Int64
	SetErrors       atomic.Int64
	SetBytes        atomic.Int64
	SetTotalNanos   atomic.Int64
	DeleteCount     atomic.Int64
	DeleteErrors    atomic.Int64
	CompactionCount atomic.Int64
	Relocated       atomic.Int64
	SegmentsFreed   atomic.Int64
	SyncCount       atomic.Int64
	SyncErrors      atomic.Int64
	RecoveryNanos   atomic.Int64
}

func (b *BasicMetricsCollector) RecordGet(_ time.Duration, hit bool, err error) {
	b.GetCount.Add(1)
	switch {
	case err != nil:
		b.GetErrors.Add(1)
	case !hit:
		b.GetMisses.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordSet(size int, d time.Duration, err error) {
	b.SetCount.Add(1)
	b.SetTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.SetErrors.Add(1)
		return
	}
	b.SetBytes.Add(int64(size))
}

func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordCompaction(relocated, freed int, _ int64, _ time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err == nil {
		b.Relocated.Add(int64(relocated))
		b.SegmentsFreed.Add(int64(freed))
	}
}

func (b *BasicMetricsCollector) RecordRecovery(d time.Duration, _ error) {
	b.RecoveryNanos.Store(d.Nanoseconds())
}

func (b *BasicMetricsCollector) RecordSync(_ time.Duration, err error) {
	b.SyncCount.Add(1)
	if err != nil {
		b.SyncErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	st := BasicMetricsStats{
		GetCount:        b.GetCount.Load(),
		GetMisses:       b.GetMisses.Load(),
		GetErrors:       b.GetErrors.Load(),
		SetCount:        b.SetCount.Load(),
		SetErrors:       b.SetErrors.Load(),
		SetBytes:        b.SetBytes.Load(),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		CompactionCount: b.CompactionCount.Load(),
		Relocated:       b.Relocated.Load(),
		SegmentsFreed:   b.SegmentsFreed.Load(),
		SyncCount:       b.SyncCount.Load(),
		SyncErrors:      b.SyncErrors.Load(),
	}
	if st.SetCount > 0 {
		st.SetAvgNanos = b.SetTotalNanos.Load() / st.SetCount
	}
	return st
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	GetCount        int64
	GetMisses       int64
	GetErrors       int64
	SetCount        int64
	SetErrors       int64
	SetBytes        int64
	SetAvgNanos     int64
	DeleteCount     int64
	DeleteErrors    int64
	CompactionCount int64
	Relocated       int64
	SegmentsFreed   int64
	SyncCount       int64
	SyncErrors      int64
}
