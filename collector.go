package mrindex

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(m *pebble.Metrics) float64
}

// Collector exports the storage engine metrics and the enumerator sizes
// of one index. Nothing is reported while the index is unavailable.
type Collector struct {
	stats   func(fn func(m *pebble.Metrics, keys, files int)) bool
	pebble  []pebbleMetric
	keys    *prometheus.Desc
	files   *prometheus.Desc
	disk    *prometheus.Desc
	readAmp *prometheus.Desc
}

// Collector returns a prometheus collector bound to this index; register
// it next to Metrics().
func (x *Index[I, K, V]) Collector() *Collector {
	return newCollector(x.opts.Name, x.collectStats)
}

func (x *Index[I, K, V]) collectStats(fn func(m *pebble.Metrics, keys, files int)) bool {
	err := x.withHandles(func() error {
		fn(x.store.Metrics(), x.keys.Len(), x.files.Len())
		return nil
	})
	return err == nil
}

func newCollector(index string, stats func(fn func(m *pebble.Metrics, keys, files int)) bool) *Collector {
	labels := prometheus.Labels{"index": index}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("mrindex", "pebble", name), help, nil, labels)
	}
	counter := func(name, help string, value func(m *pebble.Metrics) float64) pebbleMetric {
		return pebbleMetric{desc(name, help), prometheus.CounterValue, value}
	}
	gauge := func(name, help string, value func(m *pebble.Metrics) float64) pebbleMetric {
		return pebbleMetric{desc(name, help), prometheus.GaugeValue, value}
	}
	return &Collector{
		stats: stats,
		pebble: []pebbleMetric{
			counter("compaction_count_total", "Total number of compactions performed",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			counter("compaction_default_count_total", "Total number of default compactions performed",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.DefaultCount) }),
			counter("compaction_move_total", "Total number of move compactions performed",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.MoveCount) }),
			counter("compaction_rewrite_total", "Total number of rewrite compactions performed",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.RewriteCount) }),
			gauge("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			gauge("compaction_in_progress_bytes", "Number of bytes being compacted currently",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			gauge("memtable_size_bytes", "Current size of the memtable in bytes",
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			gauge("memtable_count", "Current count of memtables",
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			gauge("wal_files", "Number of live WAL files",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			gauge("wal_size_bytes", "Size of live WAL data in bytes",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			counter("wal_bytes_written_total", "Total physical bytes written to the WAL",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
		keys:    prometheus.NewDesc("mrindex_index_keys", "Symbols in the key enumerator", nil, labels),
		files:   prometheus.NewDesc("mrindex_index_files", "Symbols in the file enumerator", nil, labels),
		disk:    desc("disk_space_bytes", "Disk space used by the postings DB"),
		readAmp: desc("read_amplification", "Current read amplification of the LSM"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.pebble {
		ch <- m.desc
	}
	ch <- c.keys
	ch <- c.files
	ch <- c.disk
	ch <- c.readAmp
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.stats(func(m *pebble.Metrics, keys, files int) {
		for _, pm := range c.pebble {
			ch <- prometheus.MustNewConstMetric(pm.desc, pm.valueType, pm.value(m))
		}
		ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(keys))
		ch <- prometheus.MustNewConstMetric(c.files, prometheus.GaugeValue, float64(files))
		ch <- prometheus.MustNewConstMetric(c.disk, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
		ch <- prometheus.MustNewConstMetric(c.readAmp, prometheus.GaugeValue, float64(m.ReadAmp()))
	})
}
