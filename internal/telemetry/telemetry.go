package telemetry

import (
	"context"
	"log"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

type settings struct {
	endpoint    string
	insecure    bool
	sampleRatio float64
}

func settingsFromEnv() settings {
	s := settings{
		endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		sampleRatio: 1,
	}
	if raw := os.Getenv("OTEL_TRACES_SAMPLER_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			log.Printf("telemetry invalid sampler ratio %q, using 1", raw)
		} else {
			s.sampleRatio = ratio
		}
	}
	return s
}

func noopShutdown(context.Context) error { return nil }

// Setup installs an OTLP trace exporter when OTEL_EXPORTER_OTLP_ENDPOINT is
// set; otherwise tracing stays a no-op. OTEL_TRACES_SAMPLER_RATIO (0..1,
// default 1) controls head sampling for root spans. Returns the provider
// shutdown.
func Setup(serviceName string) func(context.Context) error {
	s := settingsFromEnv()
	if s.endpoint == "" {
		return noopShutdown
	}

	exporter, err := otlptracegrpc.New(context.Background(), s.exporterOptions()...)
	if err != nil {
		log.Printf("telemetry exporter error: %v", err)
		return noopShutdown
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		log.Printf("telemetry resource error: %v", err)
		res = resource.Default()
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(s.sampleRatio))),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown
}

func (s settings) exporterOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}
