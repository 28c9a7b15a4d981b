package sockrouter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics instruments dispatch/topic/publish outcomes.
//
// Registration happens lazily via sync.Once so constructing a Router never
// panics from double-registering collectors with the default Prometheus
// registry across multiple Router instances in the same process (e.g. in
// tests).
type metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	topicRejections  *prometheus.CounterVec
	publishTotal     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	sharedMetrics metrics
)

func newMetrics() *metrics {
	metricsOnce.Do(func() {
		sharedMetrics = metrics{
			dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sockrouter_dispatch_total",
				Help: "Total number of dispatched messages by type and outcome.",
			}, []string{"type", "outcome"}),
			dispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "sockrouter_dispatch_duration_seconds",
				Help:    "Handler dispatch duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}, []string{"type"}),
			topicRejections: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sockrouter_topic_rejections_total",
				Help: "Total number of rejected topic operations by reason.",
			}, []string{"reason"}),
			publishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sockrouter_publish_total",
				Help: "Total number of publish attempts by capability and outcome.",
			}, []string{"capability", "outcome"}),
		}
	})
	return &sharedMetrics
}

func (m *metrics) recordDispatch(msgType, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(msgType, outcome).Inc()
}

func (m *metrics) observeDuration(msgType string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(msgType).Observe(seconds)
}

func (m *metrics) recordPublish(capability Capability, outcome string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(string(capability), outcome).Inc()
}

func (m *metrics) recordTopicRejection(reason string) {
	if m == nil {
		return
	}
	m.topicRejections.WithLabelValues(reason).Inc()
}
