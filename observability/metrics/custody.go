package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CustodyMetrics tracks transfer requests dispatched to custody services and
// the callbacks received from them.
type CustodyMetrics struct {
	dispatched *prometheus.CounterVec
	failures   *prometheus.CounterVec
	callbacks  *prometheus.CounterVec
	latency    prometheus.Histogram
	queueDepth prometheus.Gauge
	queueDrops prometheus.Counter
}

var (
	custodyOnce     sync.Once
	custodyRegistry *CustodyMetrics
)

func Custody() *CustodyMetrics {
	custodyOnce.Do(func() {
		custodyRegistry = &CustodyMetrics{
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "custody_requests_dispatched_total",
				Help: "Transfer requests delivered to custody services by destination.",
			}, []string{"custody"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "custody_delivery_failures_total",
				Help: "Transfer requests that could not be delivered by reason.",
			}, []string{"reason"}),
			callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "custody_callbacks_total",
				Help: "Custody callbacks received by result.",
			}, []string{"result"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "custody_delivery_duration_seconds",
				Help:    "Latency of transfer request delivery.",
				Buckets: prometheus.DefBuckets,
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "custody_queue_depth",
				Help: "Transfer requests waiting for a delivery worker.",
			}),
			queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "custody_queue_rejections_total",
				Help: "Transfer requests rejected because the delivery queue was full.",
			}),
		}
		prometheus.MustRegister(
			custodyRegistry.dispatched,
			custodyRegistry.failures,
			custodyRegistry.callbacks,
			custodyRegistry.latency,
			custodyRegistry.queueDepth,
			custodyRegistry.queueDrops,
		)
	})
	return custodyRegistry
}

func (m *CustodyMetrics) ObserveDispatched(custody string, duration time.Duration) {
	if m == nil {
		return
	}
	if custody == "" {
		custody = "unknown"
	}
	m.dispatched.WithLabelValues(custody).Inc()
	m.latency.Observe(duration.Seconds())
}

func (m *CustodyMetrics) IncDeliveryFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *CustodyMetrics) ObserveCallback(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.callbacks.WithLabelValues(result).Inc()
}

func (m *CustodyMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *CustodyMetrics) IncQueueRejection() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}
