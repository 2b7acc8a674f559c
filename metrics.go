package mirror

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

var EmitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mirror",
	Subsystem: "subscriptions",
	Name:      "emits",
}, []string{"namespace"})

var DecodeDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mirror",
	Subsystem: "subscriptions",
	Name:      "decode_drops",
}, []string{"namespace"})

var InboundPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mirror",
	Subsystem: "transport",
	Name:      "inbound_packets",
}, []string{"type"})

var PendingMutations = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mirror",
	Subsystem: "pending",
	Name:      "mutations",
})

var RetiredMutations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mirror",
	Subsystem: "pending",
	Name:      "retired",
})

// StoreCollector exposes the fact store's pebble internals.
type StoreCollector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	flushCount      *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walSize         *prometheus.Desc
}

func NewStoreCollector(db *pebble.DB) *StoreCollector {
	return &StoreCollector{
		db: db,

		compactionCount: prometheus.NewDesc(
			"mirror_store_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		flushCount: prometheus.NewDesc(
			"mirror_store_flush_count_total",
			"Total number of memtable flushes",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"mirror_store_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"mirror_store_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"mirror_store_wal_size_bytes",
			"Current size of the write-ahead log in bytes",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.compactionCount
	ch <- sc.flushCount
	ch <- sc.memtableSize
	ch <- sc.memtableCount
	ch <- sc.walSize
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := sc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.flushCount,
		prometheus.CounterValue,
		float64(metrics.Flush.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
}

// Collectors returns everything worth registering on the caller's
// prometheus registry.
func (c *Core) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		EmitCount,
		DecodeDrops,
		InboundPackets,
		PendingMutations,
		RetiredMutations,
		NewStoreCollector(c.store.DB()),
	}
}
