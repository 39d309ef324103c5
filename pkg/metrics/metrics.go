package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define global variables for metrics.
// We use 'promauto' which automatically registers metrics without complex initialization.

var (
	// 1. Integration Runs Total (Counter)
	// Counts completed runs, labeled by how they terminated.
	IntegrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harmonia_integrations_total",
			Help: "Total number of integration runs completed",
		},
		[]string{"outcome"}, // converged | max_iterations | cancelled | error
	)

	// 2. Run Duration (Histogram)
	// Wall time of a full integration run.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "harmonia_run_duration_seconds",
			Help: "Duration of integration runs in seconds",
			// Runs range from milliseconds (toy inputs) to minutes (atlas-scale).
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// 3. Outer Iterations (Histogram)
	// How many cluster+correct rounds a run needed before stopping.
	OuterIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harmonia_outer_iterations",
			Help:    "Outer iterations per integration run",
			Buckets: prometheus.LinearBuckets(1, 1, 25),
		},
	)

	// 4. Observations (Gauge)
	// Size of the most recent input, useful to correlate with duration.
	Observations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harmonia_observations",
			Help: "Number of observations in the most recent integration run",
		},
	)
)
