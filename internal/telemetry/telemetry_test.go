package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// These tests replace the otel globals, so they do not run in parallel.

func TestSetup_Prometheus(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	tel, err := Setup(ctx, Config{Metrics: ExporterPrometheus})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })
	require.NotNil(t, tel.MetricsHandler())

	counter, err := otel.Meter("beamgridgo.test").Int64Counter("unit_iterations_total")
	require.NoError(t, err)

	// --- Act ---
	counter.Add(ctx, 3)
	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	// --- Assert ---
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unit_iterations_total")
}

func TestSetup_StdoutTraces(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	tel, err := Setup(ctx, Config{Traces: ExporterStdout, Writer: &buf})
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler())

	_, span := otel.Tracer("beamgridgo.test").Start(ctx, "unit.span")
	span.End()
	require.NoError(t, tel.Shutdown(ctx))

	assert.Contains(t, buf.String(), "unit.span")
}

func TestSetup_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Setup(ctx, Config{Metrics: "graphite"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Setup(ctx, Config{Traces: "jaeger"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	tel, err := Setup(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(ctx))
}
