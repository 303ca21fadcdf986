package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "insights"
	metricsSubsystem = "dispatch"
)

// Metrics instruments the dispatcher loop.
type Metrics struct {
	inFlight           prometheus.Gauge
	fillCycles         prometheus.Counter
	scheduled          prometheus.Counter
	contention         prometheus.Counter
	connectivityErrors prometheus.Counter
	results            *prometheus.CounterVec
}

// NewMetrics registers the dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_flight_contacts",
			Help:      "Number of contacts currently assigned to active workers.",
		}),
		fillCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "fill_cycles_total",
			Help:      "Number of fill queries issued.",
		}),
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "contacts_scheduled_total",
			Help:      "Number of contacts claimed and handed to a worker.",
		}),
		contention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "claim_contention_total",
			Help:      "Number of candidates skipped because another dispatcher held the claim.",
		}),
		connectivityErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "fill_connectivity_errors_total",
			Help:      "Number of fill cycles lost to an unreachable backend.",
		}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "contact_results_total",
			Help:      "Completed contacts by outcome.",
		}, []string{"status"}),
	}
}

// NewNoopMetrics returns metrics bound to a private registry, for callers
// that do not export them.
func NewNoopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
