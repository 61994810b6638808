package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// MarketMetrics captures the health of the market engine: operation
// outcomes, ledger sizes and the funds held by the vault.
type MarketMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	listings    prometheus.Gauge
	offers      prometheus.Gauge
	settlements *prometheus.GaugeVec
	vault       prometheus.Gauge
	inFlight    prometheus.Gauge
	halted      prometheus.Gauge
}

// Market returns the lazily-initialised market metrics registry.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of market operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for market operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of rejected market operations segmented by operation and error code.",
			}, []string{"operation", "code"}),
			listings: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "listings",
				Help:      "Items currently listed for sale.",
			}),
			offers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "offers",
				Help:      "Outstanding escrowed offers.",
			}),
			settlements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "settlements",
				Help:      "Settlements awaiting a callback or reclaim, segmented by state.",
			}, []string{"state"}),
			vault: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "vault_balance",
				Help:      "Funds held by the market vault in the smallest unit.",
			}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "in_flight_balance",
				Help:      "Funds held for settlements that have not paid out.",
			}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "halted",
				Help:      "Set to 1 once the engine stopped after an invariant violation.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.latency,
			marketRegistry.errors,
			marketRegistry.listings,
			marketRegistry.offers,
			marketRegistry.settlements,
			marketRegistry.vault,
			marketRegistry.inFlight,
			marketRegistry.halted,
		)
	})
	return marketRegistry
}

// Observe records one market operation. code is empty on success.
func (m *MarketMetrics) Observe(operation string, duration time.Duration, code string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if code != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, code).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetLedger publishes the current ledger sizes and balances.
func (m *MarketMetrics) SetLedger(listings, offers, pending, failed int, vault, inFlight float64) {
	if m == nil {
		return
	}
	m.listings.Set(float64(listings))
	m.offers.Set(float64(offers))
	m.settlements.WithLabelValues("pending").Set(float64(pending))
	m.settlements.WithLabelValues("failed").Set(float64(failed))
	m.vault.Set(vault)
	m.inFlight.Set(inFlight)
}

// SetHalted flags whether the engine stopped accepting operations.
func (m *MarketMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}
