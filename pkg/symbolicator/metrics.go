package symbolicator

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	batchDuration   prometheus.Histogram
	frames          *prometheus.CounterVec
	modulesPerBatch prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crashsym_symbolication_duration_seconds",
			Help:    "Time spent symbolicating a batch",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashsym_symbolication_frames_total",
			Help: "Resolved frames by status",
		}, []string{"status"}),
		modulesPerBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crashsym_symbolication_modules_per_batch",
			Help:    "Distinct modules referenced per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.batchDuration, m.frames, m.modulesPerBatch)
	}
	return m
}
