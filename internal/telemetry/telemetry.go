// Package telemetry installs the OpenTelemetry providers behind the
// instruments the matcher records: a Prometheus or stdout meter provider and
// an optional stdout tracer provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
)

// ErrUnknownExporter reports an exporter name Setup does not know.
var ErrUnknownExporter = errors.New("unknown exporter")

// Config selects the exporters. Empty names mean ExporterNone.
type Config struct {
	ServiceName string
	// Metrics is "none", "prometheus" or "stdout".
	Metrics string
	// Traces is "none" or "stdout".
	Traces string
	// Writer receives stdout exports; nil means os.Stdout.
	Writer io.Writer
}

// Telemetry owns the installed providers.
type Telemetry struct {
	metricsHandler http.Handler
	shutdown       []func(context.Context) error
}

// Setup builds the providers cfg asks for and installs them as the otel
// globals. With both exporters disabled it installs nothing.
func Setup(_ context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "beamgridgo"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName))
	t := &Telemetry{}

	switch cfg.Metrics {
	case "", ExporterNone:
	case ExporterPrometheus:
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		t.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter))
		otel.SetMeterProvider(mp)
		t.shutdown = append(t.shutdown, mp.Shutdown)
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(metric.NewPeriodicReader(exporter)))
		otel.SetMeterProvider(mp)
		t.shutdown = append(t.shutdown, mp.Shutdown)
	default:
		return nil, fmt.Errorf("metrics: %w: %s", ErrUnknownExporter, cfg.Metrics)
	}

	switch cfg.Traces {
	case "", ExporterNone:
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create stdout trace exporter: %w", err), t.Shutdown(context.Background()))
		}
		tp := trace.NewTracerProvider(trace.WithSyncer(exporter), trace.WithResource(res))
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	default:
		return nil, errors.Join(fmt.Errorf("traces: %w: %s", ErrUnknownExporter, cfg.Traces), t.Shutdown(context.Background()))
	}
	return t, nil
}

// MetricsHandler serves the Prometheus scrape endpoint. It is nil unless the
// Prometheus exporter is installed.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// Shutdown flushes and stops the providers in reverse installation order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
