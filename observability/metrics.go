package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	royaltyMetricsOnce sync.Once
	royaltyRegistry    *RoyaltyMetrics
)

// RoyaltyMetrics wraps collectors tracking the staking reward engine.
type RoyaltyMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	deposits   *prometheus.CounterVec
	halted     *prometheus.GaugeVec
}

// Royalty returns the lazily-initialised engine metrics registered on the
// default prometheus registry.
func Royalty() *RoyaltyMetrics {
	royaltyMetricsOnce.Do(func() {
		royaltyRegistry = NewRoyaltyMetrics(prometheus.DefaultRegisterer)
	})
	return royaltyRegistry
}

// NewRoyaltyMetrics builds engine collectors and registers them with reg.
func NewRoyaltyMetrics(reg prometheus.Registerer) *RoyaltyMetrics {
	m := &RoyaltyMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "royalty",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "royalty",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for engine operations including commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "royalty",
			Subsystem: "engine",
			Name:      "deposits_total",
			Help:      "Applied royalty deposits segmented by whether they were carried forward.",
		}, []string{"carried"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "royalty",
			Subsystem: "engine",
			Name:      "pools_halted",
			Help:      "Set to 1 while a pool refuses writes after an accounting invariant failed.",
		}, []string{"asset"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.deposits, m.halted)
	}
	return m
}

// Observe records the outcome of an engine operation.
func (m *RoyaltyMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDeposit counts an applied deposit.
func (m *RoyaltyMetrics) RecordDeposit(carried bool) {
	if m == nil {
		return
	}
	label := "false"
	if carried {
		label = "true"
	}
	m.deposits.WithLabelValues(label).Inc()
}

// PoolHalted toggles the halted gauge for an asset.
func (m *RoyaltyMetrics) PoolHalted(assetID string, halted bool) {
	if m == nil {
		return
	}
	value := 0.0
	if halted {
		value = 1
	}
	m.halted.WithLabelValues(assetID).Set(value)
}

// Outcome maps an error onto the outcome label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
