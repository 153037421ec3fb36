package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layout_include",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "layout_include",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	itemsEnriched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layout_include",
			Subsystem: "enrich",
			Name:      "items_total",
			Help:      "Resource items seen by the enricher, by outcome.",
		},
		[]string{"outcome"},
	)
	blocksResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layout_include",
			Subsystem: "enrich",
			Name:      "blocks_total",
			Help:      "Layout components processed, by block resolution outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "layout_include",
			Subsystem: "upstream",
			Name:      "fetch_duration_seconds",
			Help:      "Nested resource fetch duration in seconds, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource_type", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, itemsEnriched, blocksResolved, fetchDuration)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// EnrichMetrics reports enricher outcomes to the default registry.
type EnrichMetrics struct{}

var _ include.Metrics = EnrichMetrics{}

// NewEnrichMetrics registers the collectors and returns the recorder.
func NewEnrichMetrics() EnrichMetrics {
	RegisterMetrics()
	return EnrichMetrics{}
}

func (EnrichMetrics) ItemEnriched(outcome string) {
	itemsEnriched.WithLabelValues(outcome).Inc()
}

func (EnrichMetrics) BlockResolved(outcome string) {
	blocksResolved.WithLabelValues(outcome).Inc()
}

func (EnrichMetrics) FetchObserved(resourceType string, d time.Duration, err error) {
	fetchDuration.WithLabelValues(resourceType, strconv.FormatBool(err == nil)).Observe(d.Seconds())
}
