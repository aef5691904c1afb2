package mrindex

import "github.com/prometheus/client_golang/prometheus"

var UpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "updates",
}, []string{"index", "result"})

var UpdateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "update_duration_ms",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"index"})

var PostingChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "posting_changes",
}, []string{"index", "op"})

var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "queries",
}, []string{"index", "op", "result"})

var RebuildRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "rebuild_requests",
}, []string{"index"})

var RebuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "rebuild_duration_s",
	Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
}, []string{"index"})

var IndexState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "mrindex",
	Subsystem: "index",
	Name:      "state",
	Help:      "0 ready, 1 unavailable, 2 rebuilding, 3 disposed",
}, []string{"index"})

// Metrics lists the package collectors for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		UpdateCount,
		UpdateDuration,
		PostingChanges,
		QueryCount,
		RebuildRequests,
		RebuildDuration,
		IndexState,
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
