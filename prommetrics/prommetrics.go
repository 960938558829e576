// Package prommetrics exports segkv metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	s, _ := segkv.Open(dir, segkv.WithMetricsCollector(prommetrics.New(reg)))
//	prommetrics.RegisterStore(reg, s)
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/segkv"
)

const namespace = "segkv"

// Collector implements segkv.MetricsCollector.
type Collector struct {
	ops       *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	misses    prometheus.Counter
	setBytes  prometheus.Counter
	relocated prometheus.Counter
	freed     prometheus.Counter
	compacted prometheus.Counter
	recovery  prometheus.Gauge
}

var _ segkv.MetricsCollector = (*Collector)(nil)

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		ops: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Store operations by kind and outcome.",
			},
			[]string{"operation", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Store operation latency.",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 10},
			},
			[]string{"operation"},
		),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_misses_total",
			Help:      "Gets of unset indexes.",
		}),
		setBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "set_bytes_total",
			Help:      "Record bytes written by Set.",
		}),
		relocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_relocated_total",
			Help:      "Records moved by compaction.",
		}),
		freed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_segments_freed_total",
			Help:      "Segments freed by compaction.",
		}),
		compacted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_bytes_total",
			Help:      "Record bytes copied by compaction.",
		}),
		recovery: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of the last Open.",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	c.ops.WithLabelValues(op, status(err)).Inc()
	c.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) RecordGet(d time.Duration, hit bool, err error) {
	c.observe("get", d, err)
	if err == nil && !hit {
		c.misses.Inc()
	}
}

func (c *Collector) RecordSet(size int, d time.Duration, err error) {
	c.observe("set", d, err)
	if err == nil {
		c.setBytes.Add(float64(size))
	}
}

func (c *Collector) RecordDelete(d time.Duration, err error) {
	c.observe("delete", d, err)
}

func (c *Collector) RecordCompaction(relocated, freed int, bytes int64, d time.Duration, err error) {
	c.observe("compact", d, err)
	c.relocated.Add(float64(relocated))
	c.freed.Add(float64(freed))
	c.compacted.Add(float64(bytes))
}

func (c *Collector) RecordRecovery(d time.Duration, err error) {
	c.observe("open", d, err)
	c.recovery.Set(d.Seconds())
}

func (c *Collector) RecordSync(d time.Duration, err error) {
	c.observe("sync", d, err)
}

// RegisterStore exports the water marks and heap usage of s as gauges that
// are read on every scrape.
func RegisterStore(reg prometheus.Registerer, s *segkv.Store) {
	f := promauto.With(reg)
	gauge := func(name, help string, fn func(segkv.Stats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return fn(s.Stats()) })
	}
	gauge("lwm", "Low water mark.", func(st segkv.Stats) float64 { return float64(st.LWM) })
	gauge("hwm", "High water mark.", func(st segkv.Stats) float64 { return float64(st.HWM) })
	gauge("length", "Address array length.", func(st segkv.Stats) float64 { return float64(st.Length) })
	gauge("segments", "Live segments.", func(st segkv.Stats) float64 { return float64(st.Segments) })
	gauge("live_bytes", "Bytes referenced by the address array.", func(st segkv.Stats) float64 { return float64(st.LiveBytes) })
	gauge("capacity_bytes", "Total segment capacity.", func(st segkv.Stats) float64 { return float64(st.CapacityBytes) })
	gauge("cache_bytes", "Decoded record bytes held by the read cache.", func(st segkv.Stats) float64 { return float64(st.CacheBytes) })
}
