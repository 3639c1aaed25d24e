package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unipolo/boleto-service/internal/domain"
)

// Resync results recorded by the enrollment resolver.
const (
	ResyncSucceeded = "succeeded"
	ResyncFailed    = "failed"
	ResyncTimedOut  = "timeout"
	ResyncThrottled = "throttled"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	items        *prometheus.CounterVec
	batchSeconds *prometheus.HistogramVec
	resyncs      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boleto_ingestion_items_total",
			Help: "Ingested files by mode, outcome and failure code.",
		}, []string{"mode", "outcome", "code"}),
		batchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "boleto_ingestion_batch_seconds",
			Help:    "Wall time of one ingestion submission.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"mode"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boleto_enrollment_resync_total",
			Help: "On-demand LMS resyncs by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(m.items, m.batchSeconds, m.resyncs)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeItem(mode domain.IngestionMode, item domain.IngestionItem) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(string(mode), string(item.Outcome), string(item.FailureCode)).Inc()
}

func (m *Metrics) observeBatch(mode domain.IngestionMode, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchSeconds.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeResync(result string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(result).Inc()
}
