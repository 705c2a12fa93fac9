// Package metrics holds the engine's prometheus collectors. Each engine
// owns a private registry, so several engines can live in one process.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mvccdb"

type Metrics struct {
	registry *prometheus.Registry

	Batches            prometheus.Counter
	KeysWritten        prometheus.Counter
	WALBytes           prometheus.Counter
	Flushes            prometheus.Counter
	FlushErrors        prometheus.Counter
	Compactions        *prometheus.CounterVec
	CompactionErrors   prometheus.Counter
	CompactionDropped  prometheus.Counter
	Conflicts          prometheus.Counter
	Corruptions        prometheus.Counter
	WriteStalls        prometheus.Counter
	MemtableBytes      prometheus.Gauge
	ImmutableTables    prometheus.Gauge
	LevelTables        *prometheus.GaugeVec
	LevelBytes         *prometheus.GaugeVec
	VisibleTimestamp   prometheus.Gauge
	FlushDuration      prometheus.Histogram
	CompactionDuration prometheus.Histogram
	CommitDuration     prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := build()
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(m.collectors()...)
	return m
}

// Nop returns collectors that are not registered anywhere. Updating them
// is cheap and nothing is exported.
func Nop() *Metrics {
	return build()
}

func build() *Metrics {
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	histogram := func(subsystem, name, help string, buckets []float64) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		})
	}

	return &Metrics{
		Batches:     counter("write", "batches_total", "Committed write batches."),
		KeysWritten: counter("write", "keys_total", "Keys written by committed batches."),
		WALBytes:    counter("wal", "bytes_total", "Bytes appended to write-ahead logs."),
		Flushes:     counter("flush", "total", "Memtables flushed to L0."),
		FlushErrors: counter("flush", "errors_total", "Failed memtable flushes."),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "compaction", Name: "total",
			Help: "Finished compactions by source level.",
		}, []string{"level"}),
		CompactionErrors:  counter("compaction", "errors_total", "Failed compactions."),
		CompactionDropped: counter("compaction", "dropped_versions_total", "Versions removed by compaction."),
		Conflicts:         counter("txn", "conflicts_total", "Transactions aborted by a write conflict."),
		Corruptions:       counter("sstable", "corruptions_total", "Tables excluded after a checksum failure."),
		WriteStalls:       counter("write", "stalls_total", "Writes that waited for a flush."),
		MemtableBytes:     gauge("memtable", "bytes", "Approximate size of the active memtable."),
		ImmutableTables:   gauge("memtable", "immutable", "Frozen memtables waiting for flush."),
		LevelTables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "level", Name: "tables", Help: "Live tables per level.",
		}, []string{"level"}),
		LevelBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "level", Name: "bytes", Help: "Live table bytes per level.",
		}, []string{"level"}),
		VisibleTimestamp:   gauge("txn", "visible_timestamp", "Newest timestamp visible to readers."),
		FlushDuration:      histogram("flush", "duration_seconds", "Memtable flush duration.", prometheus.ExponentialBuckets(0.001, 2, 14)),
		CompactionDuration: histogram("compaction", "duration_seconds", "Compaction duration.", prometheus.ExponentialBuckets(0.001, 2, 16)),
		CommitDuration:     histogram("write", "commit_duration_seconds", "Write batch commit duration.", prometheus.ExponentialBuckets(0.00001, 2, 18)),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Batches, m.KeysWritten, m.WALBytes, m.Flushes, m.FlushErrors,
		m.Compactions, m.CompactionErrors, m.CompactionDropped,
		m.Conflicts, m.Corruptions, m.WriteStalls,
		m.MemtableBytes, m.ImmutableTables, m.LevelTables, m.LevelBytes, m.VisibleTimestamp,
		m.FlushDuration, m.CompactionDuration, m.CommitDuration,
	}
}

// Registry is nil for Nop metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetLevel records the shape of one level.
func (m *Metrics) SetLevel(level, tables int, bytes uint64) {
	l := strconv.Itoa(level)
	m.LevelTables.WithLabelValues(l).Set(float64(tables))
	m.LevelBytes.WithLabelValues(l).Set(float64(bytes))
}

func (m *Metrics) ObserveCompaction(level int, dropped uint64, seconds float64) {
	m.Compactions.WithLabelValues(strconv.Itoa(level)).Inc()
	m.CompactionDropped.Add(float64(dropped))
	m.CompactionDuration.Observe(seconds)
}
