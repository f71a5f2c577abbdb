package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "bgremove"

	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// HTTP 请求
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "endpoint"},
	)

	// 处理流水线
	ProcessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "process_total",
			Help:      "Total processed images by mode, model and outcome",
		},
		[]string{"mode", "model", "status"},
	)

	ProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "process_duration_seconds",
			Help:      "Image processing duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"quality"},
	)

	GuidedFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "guided_fallbacks_total",
			Help:      "Guided segmentations that fell back to the automatic mask",
		},
	)

	// 模型加载与下载
	BackendLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "backend_loads_total",
			Help:      "Backend session creations by backend and outcome",
		},
		[]string{"backend", "status"},
	)

	WeightDownloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "weight_download_bytes_total",
			Help:      "Bytes of model weights downloaded",
		},
		[]string{"backend"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by outcome",
		},
		[]string{"result"},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordProcess records a pipeline run
func RecordProcess(mode, model, quality, status string, durationSec float64) {
	ProcessTotal.WithLabelValues(mode, model, status).Inc()
	ProcessDuration.WithLabelValues(quality).Observe(durationSec)
}

func RecordGuidedFallback() {
	GuidedFallbacks.Inc()
}

// RecordBackendLoad records a backend session creation attempt
func RecordBackendLoad(backend, status string) {
	BackendLoads.WithLabelValues(backend, status).Inc()
}

func RecordWeightDownload(backend string, bytes int64) {
	WeightDownloadBytes.WithLabelValues(backend).Add(float64(bytes))
}

// RecordCacheLookup result 为 hit、miss 或 error
func RecordCacheLookup(result string) {
	CacheLookups.WithLabelValues(result).Inc()
}
