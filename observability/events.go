package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks the engine's notification fan-out.
type EventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking event delivery.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = NewEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

// NewEventMetrics builds event collectors and registers them with reg.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "royalty",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Engine notifications segmented by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "royalty",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Notifications not delivered to a slow subscriber.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.emitted, m.dropped)
	}
	return m
}

// RecordEmitted increments the emitted counter for the event type.
func (m *EventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeType(eventType)).Inc()
}

// RecordDropped increments the dropped counter for the event type.
func (m *EventMetrics) RecordDropped(eventType string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeType(eventType)).Inc()
}

func normalizeType(eventType string) string {
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
