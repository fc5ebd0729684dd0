// Package metrics provides Prometheus metrics for market-pulse.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderCallsTotal counts upstream provider calls by outcome.
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "provider_calls_total",
			Help:      "Total number of provider fetch calls",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderCallDuration measures provider fetch latency.
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pulse",
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider fetch calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// ItemsTotal counts deduplication decisions.
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "items_total",
			Help:      "Total number of fetched items by dedup outcome",
		},
		[]string{"outcome"},
	)

	// AnnotationsTotal counts enrichment results by source.
	AnnotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "annotations_total",
			Help:      "Total number of enrichment results (cache_hit, oracle, pending)",
		},
		[]string{"result"},
	)

	// OracleCallsTotal counts annotation oracle calls.
	OracleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "oracle_calls_total",
			Help:      "Total number of annotation oracle calls",
		},
		[]string{"model", "outcome"},
	)

	// OracleCostUSD accumulates estimated oracle spend.
	OracleCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "oracle_cost_usd_total",
			Help:      "Estimated oracle spend in USD",
		},
		[]string{"model"},
	)

	// ProviderCostUSD accumulates spend on paid content APIs.
	ProviderCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "provider_cost_usd_total",
			Help:      "Estimated provider API spend in USD",
		},
		[]string{"provider"},
	)

	// CyclesTotal counts finished refresh cycles by status.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "cycles_total",
			Help:      "Total number of refresh cycles by terminal status",
		},
		[]string{"status"},
	)

	// CycleDuration measures refresh cycle wall time.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pulse",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of refresh cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// PendingItems tracks items awaiting annotation.
	PendingItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "pending_items",
			Help:      "Number of stored items awaiting annotation",
		},
	)

	// QuotaRemaining tracks each limited provider's remaining calls.
	QuotaRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "quota_remaining",
			Help:      "Calls left in the provider's current quota window",
		},
		[]string{"provider"},
	)

	// CircuitOpen reports 1 while a provider's circuit breaker is not closed.
	CircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "circuit_open",
			Help:      "Provider circuit breaker state (1 = open or half-open, 0 = closed)",
		},
		[]string{"provider"},
	)
)

// RecordProviderCall records one provider fetch.
func RecordProviderCall(provider, outcome string, d time.Duration) {
	ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
	ProviderCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordProviderCost adds the cost of one upstream request.
func RecordProviderCost(provider string, costUSD float64) {
	if costUSD > 0 {
		ProviderCostUSD.WithLabelValues(provider).Add(costUSD)
	}
}

// RecordItem records one dedup decision.
func RecordItem(outcome string) {
	ItemsTotal.WithLabelValues(outcome).Inc()
}

// RecordAnnotation records one enrichment result.
func RecordAnnotation(result string, n int) {
	if n > 0 {
		AnnotationsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// RecordOracleCall records one oracle call and its estimated cost.
func RecordOracleCall(model, outcome string, costUSD float64) {
	OracleCallsTotal.WithLabelValues(model, outcome).Inc()
	if costUSD > 0 {
		OracleCostUSD.WithLabelValues(model).Add(costUSD)
	}
}

// RecordCycle records a finished refresh cycle.
func RecordCycle(status string, d time.Duration) {
	CyclesTotal.WithLabelValues(status).Inc()
	CycleDuration.Observe(d.Seconds())
}

// SetPending sets the pending-items gauge.
func SetPending(n int) {
	PendingItems.Set(float64(n))
}

// SetQuotaRemaining sets the remaining-calls gauge for provider.
func SetQuotaRemaining(provider string, n int) {
	QuotaRemaining.WithLabelValues(provider).Set(float64(n))
}

// SetCircuitOpen sets the circuit gauge for provider.
func SetCircuitOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	CircuitOpen.WithLabelValues(provider).Set(v)
}
