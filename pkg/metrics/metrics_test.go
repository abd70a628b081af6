package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestConvergenceMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m := NewConvergenceMetrics(provider)

	ctx := context.Background()
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("state", "READY")))
	m.Evaluations.Add(ctx, 2, metric.WithAttributes(attribute.String("state", "BLOCKED_NO_NODES")))
	m.Nodes.Record(ctx, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		found[m.Name] = true
	}
	require.True(t, found["convergence_evaluations_total"])
	require.True(t, found["convergence_nodes"])
}

func TestGetConvergenceMetricsIsSingleton(t *testing.T) {
	require.Same(t, GetConvergenceMetrics(), GetConvergenceMetrics())
}
