package symcache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	ops               *prometheus.CounterVec
	evictions         prometheus.Counter
	sharedPopulations prometheus.Counter
	sizeBytes         prometheus.Gauge
	entryCount        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashsym_cache_operations_total",
			Help: "Symbol cache operations by operation and status",
		}, []string{"operation", "status"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashsym_cache_evictions_total",
			Help: "Symbol cache entries evicted to stay within the byte quota",
		}),
		sharedPopulations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashsym_cache_shared_populations_total",
			Help: "Cache populations whose result was shared with concurrent requesters",
		}),
		sizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashsym_cache_size_bytes",
			Help: "Current on-disk size of cached symbol files",
		}),
		entryCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashsym_cache_entries",
			Help: "Number of positive symbol cache entries",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ops, m.evictions, m.sharedPopulations, m.sizeBytes, m.entryCount)
	}
	return m
}
