package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupExportsThroughPrometheus(t *testing.T) {
	registry := prometheus.NewRegistry()

	shutdown, err := Setup("stepd-test", registry)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, shutdown(context.Background()))
	})

	meter := otel.Meter("stepd/telemetry-test")
	counter, err := meter.Int64Counter("telemetry_test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := registry.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "telemetry_test_events_total" {
			found = true
		}
	}
	assert.True(t, found, "expected counter to appear in the registry")
}

func TestSetupDefaultServiceName(t *testing.T) {
	shutdown, err := Setup("", prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
