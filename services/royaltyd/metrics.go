package royaltyd

import "royaltystake/observability"

// Metrics exposes Prometheus collectors for the royalty engine.
type Metrics = observability.RoyaltyMetrics

// NewMetrics returns the lazily initialised engine metrics.
func NewMetrics() *Metrics { return observability.Royalty() }
