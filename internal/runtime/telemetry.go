package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Instruments recorded by the voice service whose buckets are set here.
const (
	hammingInstrument  = "voiceprint.hamming.distance"
	proverInstrument   = "voiceprint.prover.duration"
	requestInstrument  = "voiceprint.request.duration"
	hammingBucketWidth = 32
	maxHammingDistance = 512
)

// Proofs take seconds to minutes on CPU.
var proverBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600}

var requestBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// telemetry owns the tracer and meter providers installed for a node.
type telemetry struct {
	// metrics serves the node's Prometheus registry.
	metrics http.Handler

	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// setupTelemetry installs the global tracer and meter providers. Metrics go
// to a registry private to this node, so the handler only exposes voice and
// process series.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(nodeAttributes(cfg)...))
	if err != nil {
		return nil, err
	}

	exporter, kind, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	t := &telemetry{
		tracer: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		),
	}
	otel.SetTracerProvider(t.tracer)

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(voiceViews(cfg.Match.HammingThreshold)...),
	}
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if reader, err := prometheus.New(prometheus.WithRegisterer(registry)); err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		t.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	t.meter = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(t.meter)

	logger.Info("telemetry initialized",
		slog.String("exporter", kind),
		slog.Bool("prometheus", t.metrics != nil),
		slog.Int("hamming_threshold", cfg.Match.HammingThreshold))
	return t, nil
}

// Shutdown flushes pending spans and metrics.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

// nodeAttributes describes the node in every span and metric resource.
func nodeAttributes(cfg config.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("service.instance.id", cfg.Node.ID),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("voiceprint.embedding.provider", cfg.Embedding.Provider),
		attribute.String("voiceprint.embedding.model", cfg.Embedding.Model),
		attribute.Int("voiceprint.match.threshold", cfg.Match.HammingThreshold),
	}
}

func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	return exp, "otlp", err
}

// voiceViews sets histogram buckets for the voice instruments. The Hamming
// histogram always has a boundary at the configured threshold so accepted
// and rejected matches fall in separate buckets.
func voiceViews(threshold int) []sdkmetric.View {
	histogram := func(name string, bounds []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		)
	}
	return []sdkmetric.View{
		histogram(hammingInstrument, hammingBuckets(threshold)),
		histogram(proverInstrument, proverBuckets),
		histogram(requestInstrument, requestBuckets),
	}
}

func hammingBuckets(threshold int) []float64 {
	bounds := make([]float64, 0, maxHammingDistance/hammingBucketWidth+2)
	for d := 0; d <= maxHammingDistance; d += hammingBucketWidth {
		bounds = append(bounds, float64(d))
	}
	if threshold >= 0 && threshold <= maxHammingDistance {
		bounds = append(bounds, float64(threshold))
	}
	slices.Sort(bounds)
	return slices.Compact(bounds)
}
