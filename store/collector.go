package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func newPebbleMetric(name, help string, typ prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName("netsync", "store", name), help, nil, nil),
		typ:   typ,
		value: value,
	}
}

// Collector exports the checkpoint database's compaction, memtable and WAL
// state.
type Collector struct {
	store   *Store
	metrics []pebbleMetric
}

func NewCollector(s *Store) *Collector {
	return &Collector{
		store: s,
		metrics: []pebbleMetric{
			newPebbleMetric("compaction_count_total", "Total number of compactions performed",
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newPebbleMetric("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newPebbleMetric("compaction_in_progress_bytes", "Number of bytes being compacted currently",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			newPebbleMetric("memtable_size_bytes", "Current size of the memtable in bytes",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newPebbleMetric("memtable_count", "Current count of memtables",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			newPebbleMetric("wal_files", "Number of live WAL files",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newPebbleMetric("wal_size_bytes", "Size of live WAL data in bytes",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			newPebbleMetric("wal_bytes_written_total", "Total physical bytes written to the WAL",
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.store.db == nil {
		return
	}
	metrics := c.store.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(metrics))
	}
}
