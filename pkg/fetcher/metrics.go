package fetcher

import "github.com/prometheus/client_golang/prometheus"

const (
	statusSuccess = "success"

	statusErrorPrefix     = "error:"
	statusErrorNotFound   = statusErrorPrefix + "not_found"
	statusErrorTransport  = statusErrorPrefix + "transport"
	statusErrorDecompress = statusErrorPrefix + "decompress"
)

type metrics struct {
	requestDuration *prometheus.HistogramVec
	fileSize        prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crashsym_fetcher_request_duration_seconds",
			Help:    "Time spent fetching symbol files across all origins by status",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		fileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "crashsym_fetcher_file_size_bytes",
			Help: "Size of symbol files after decompression",
			// 64KB to 4GB
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 9),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requestDuration, m.fileSize)
	}
	return m
}
