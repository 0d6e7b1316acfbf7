// Package otel installs the process-wide OpenTelemetry tracer provider.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/sgrastar/authrim-sub003/internal/platform/config"
)

// Settings selects whether and where spans are exported.
type Settings struct {
	Endpoint string `env:"AUTHRIM_OTEL_ENDPOINT"`
	Enabled  bool   `env:"AUTHRIM_OTEL_ENABLED" envDefault:"true"`
	// SampleRatio feeds a parent-based ratio sampler. Token issuance is
	// high-volume, so deployments usually keep it well below 1.
	SampleRatio float64 `env:"AUTHRIM_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

func (s Settings) active() bool {
	return s.Enabled && strings.TrimSpace(s.Endpoint) != ""
}

func (s Settings) sampler() (sdktrace.Sampler, error) {
	if s.SampleRatio < 0 || s.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio %v out of range [0,1]", s.SampleRatio)
	}
	if s.SampleRatio == 1 {
		return sdktrace.AlwaysSample(), nil
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio)), nil
}

// Setup reads Settings from the environment and installs tracing for
// serviceName. Without an endpoint, or with AUTHRIM_OTEL_ENABLED=false, no
// provider is registered and the returned shutdown is a no-op.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	var settings Settings
	if err := config.ParseEnv(&settings); err != nil {
		return noop, err
	}
	return SetupWith(ctx, serviceName, settings)
}

// SetupWith installs tracing from explicit settings. The returned shutdown
// flushes pending spans and should be deferred by the caller.
func SetupWith(ctx context.Context, serviceName string, settings Settings) (func(context.Context) error, error) {
	if !settings.active() {
		return noop, nil
	}
	sampler, err := settings.sampler()
	if err != nil {
		return noop, err
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(strings.TrimSpace(settings.Endpoint)))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func noop(context.Context) error { return nil }
