// Package metrics wires the gateway's one required metric — request
// latency — through the OpenTelemetry Metrics API with a Prometheus
// exporter bridge, in the shape of MrWong99-glyphoxa's internal/observe
// package. Distributed tracing is dropped: the spec's envelope only
// names a correlation id and a latency histogram, not spans.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/llm-gateway/gateway"

// Metrics holds the gateway's OTel instruments. All fields are safe for
// concurrent use — the underlying OTel types handle their own
// synchronization.
type Metrics struct {
	// HTTPRequestDuration tracks request latency by method, path, and
	// status. Recorded once per request by the envelope middleware.
	HTTPRequestDuration metric.Float64Histogram
}

// New creates a Metrics instance against the given MeterProvider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	hist, err := m.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{HTTPRequestDuration: hist}, nil
}

// Record records one request's duration with its labels.
func (m *Metrics) Record(ctx context.Context, method, path string, status int, seconds float64) {
	m.HTTPRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", status),
		),
	)
}

// InitProvider sets up the global OTel MeterProvider with a Prometheus
// exporter and registers it. promHandler is the http.Handler to mount at
// /metrics — it's the bridge's own registry, not a separate one, so every
// instrument created against the returned provider is scraped.
func InitProvider(serviceName string) (provider metric.MeterProvider, promHandler http.Handler, shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)
	otel.SetMeterProvider(mp)

	return mp, promhttp.Handler(), mp.Shutdown, nil
}
