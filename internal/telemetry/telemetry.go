// Package telemetry installs the OpenTelemetry metrics pipeline.
//
// Metrics flow through the Prometheus exporter into the default
// registry, which the HTTP server exposes at /metrics. Traces use the
// API no-op provider; instrumented code keeps its spans and picks up a
// real exporter if one is ever installed.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Setup installs the global MeterProvider backed by a Prometheus
// reader. A nil registerer uses the default Prometheus registry. The
// returned shutdown func flushes and stops the provider.
func Setup(serviceName string, registerer prometheus.Registerer) (func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "stepd"
	}

	// Standalone resource to avoid schema URL conflicts with
	// resource.Default(), which may carry a different semconv version.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	opts := []otelprom.Option{}
	if registerer != nil {
		opts = append(opts, otelprom.WithRegisterer(registerer))
	}
	exporter, err := otelprom.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}
