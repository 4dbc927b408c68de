package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	FeedPush           *prometheus.CounterVec
	FeedUnpush         *prometheus.CounterVec
	Verifications      *prometheus.CounterVec
	Resolutions        *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	PrecomputeDuration prometheus.Histogram
	WorkerQueueDepth   prometheus.Gauge
}

// New registers the collectors on a fresh registry, which Handler serves.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := NewWith(registry)
	m.registry = registry
	return m
}

// NewWith registers the collectors on registry.
func NewWith(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: prometheus.DefaultGatherer,
		FeedPush: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_feed_push_total",
			Help: "Feed pushes by feed kind and result",
		}, []string{"feed", "result"}),
		FeedUnpush: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_feed_unpush_total",
			Help: "Feed removals by feed kind and result",
		}, []string{"feed", "result"}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_signature_verifications_total",
			Help: "Inbound signature verifications by result",
		}, []string{"result"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_remote_resolutions_total",
			Help: "Remote account resolutions by result",
		}, []string{"result"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_deliveries_total",
			Help: "Outbound deliveries by result",
		}, []string{"result"}),
		PrecomputeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mammut_precompute_duration_seconds",
			Help:    "Time spent rebuilding one home feed",
			Buckets: prometheus.DefBuckets,
		}),
		WorkerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mammut_worker_queue_depth",
			Help: "Jobs waiting in the worker pool queue",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePush(feed string, inserted bool) {
	if m == nil {
		return
	}
	m.FeedPush.WithLabelValues(feed, result(inserted, "inserted", "skipped")).Inc()
}

func (m *Metrics) ObserveUnpush(feed string, removed bool) {
	if m == nil {
		return
	}
	m.FeedUnpush.WithLabelValues(feed, result(removed, "removed", "absent")).Inc()
}

func (m *Metrics) ObserveVerification(ok bool) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(result(ok, "valid", "invalid")).Inc()
}

func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePrecompute(start time.Time) {
	if m == nil {
		return
	}
	m.PrecomputeDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.WorkerQueueDepth.Set(float64(n))
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
