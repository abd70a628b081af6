package metrics

import (
	"sync"

	"github.com/hpcbootstrap/slurmctld-converger/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type ConvergenceMetrics struct {
	Evaluations      metric.Int64Counter
	DocumentsEmitted metric.Int64Counter
	Deferred         metric.Int64Counter
	InvalidFacts     metric.Int64Counter
	Nodes            metric.Int64Gauge
	PersistFailures  metric.Int64Counter
}

var (
	convergenceMetrics     *ConvergenceMetrics
	convergenceMetricsLock sync.Mutex
)

// GetConvergenceMetrics returns the process wide instruments, creating them
// against the global meter provider on first use.
func GetConvergenceMetrics() *ConvergenceMetrics {
	convergenceMetricsLock.Lock()

	if convergenceMetrics != nil {
		convergenceMetricsLock.Unlock()
		return convergenceMetrics
	}

	convergenceMetrics = NewConvergenceMetrics(otel.GetMeterProvider())

	convergenceMetricsLock.Unlock()
	return convergenceMetrics
}

func NewConvergenceMetrics(provider metric.MeterProvider) *ConvergenceMetrics {
	meter := provider.Meter(
		"com.hpcbootstrap.slurmctld-converger",
		metric.WithInstrumentationVersion(version.GetVersion()))

	evaluations, _ := meter.Int64Counter("convergence_evaluations_total",
		metric.WithDescription("readiness evaluations, by resulting state"))
	documentsEmitted, _ := meter.Int64Counter("convergence_documents_emitted_total")
	deferred, _ := meter.Int64Counter("convergence_deferred_total",
		metric.WithDescription("blocked evaluations waiting for the next fact change"))
	invalidFacts, _ := meter.Int64Counter("convergence_invalid_facts_total")
	nodes, _ := meter.Int64Gauge("convergence_nodes")
	persistFailures, _ := meter.Int64Counter("convergence_persist_failures_total")

	return &ConvergenceMetrics{
		Evaluations:      evaluations,
		DocumentsEmitted: documentsEmitted,
		Deferred:         deferred,
		InvalidFacts:     invalidFacts,
		Nodes:            nodes,
		PersistFailures:  persistFailures,
	}
}
