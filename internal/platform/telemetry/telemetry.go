// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for the
// terminology server. Spans go to stdout (or an injected exporter) when
// tracing is enabled; metrics are always collected on a dedicated registry
// served at /metrics.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TracingEnabled bool
	SampleRate     float64 // 0.0 to 1.0

	// Exporter overrides the stdout span exporter; tests inject an
	// in-memory one.
	Exporter sdktrace.SpanExporter
	// Output is where the stdout exporter writes. Defaults to os.Stdout.
	Output io.Writer
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "term-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
}

// TelemetryProvider owns the tracer provider for the process.
type TelemetryProvider struct {
	cfg          TelemetryConfig
	tp           *sdktrace.TracerProvider
	shutdownOnce sync.Once
}

var (
	tracerMu sync.RWMutex
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("")
)

// NewTelemetryProvider creates the provider and installs its tracer as the
// process-wide tracer used by StartSpan.
func NewTelemetryProvider(cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()
	p := &TelemetryProvider{cfg: cfg}
	if !cfg.TracingEnabled {
		setTracer(noop.NewTracerProvider().Tracer(cfg.ServiceName))
		return p, nil
	}

	exporter := cfg.Exporter
	if exporter == nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Output))
		if err != nil {
			return nil, fmt.Errorf("create span exporter: %w", err)
		}
		exporter = exp
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		sdktrace.WithResource(resource.NewSchemaless(p.attributes()...)),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	setTracer(p.tp.Tracer(cfg.ServiceName))
	return p, nil
}

// TracerProvider returns the SDK provider, or nil when tracing is disabled.
func (p *TelemetryProvider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if p.tp != nil {
			err = p.tp.Shutdown(ctx)
		}
	})
	return err
}

// Resource returns the resource attributes attached to every span.
func (p *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

func (p *TelemetryProvider) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", p.cfg.ServiceName),
		attribute.String("service.version", p.cfg.ServiceVersion),
		attribute.String("deployment.environment", p.cfg.Environment),
	}
}

func setTracer(t trace.Tracer) {
	tracerMu.Lock()
	tracer = t
	tracerMu.Unlock()
}

// StartSpan starts a span named name under ctx using the process tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracerMu.RLock()
	t := tracer
	tracerMu.RUnlock()
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceID returns the active trace id, or "" outside a recorded span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
