package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "smallsite"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// TracingConfig selects where spans go. Tracing is off unless Enabled is set.
type TracingConfig struct {
	ServiceName  string
	Environment  string
	Enabled      bool
	Exporter     string // stdout or otlp
	OTLPEndpoint string
	SamplerRatio float64
	// Output receives stdout-exporter spans; nil means os.Stdout.
	Output io.Writer
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "otlp" {
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	return stdouttrace.New(stdouttrace.WithWriter(out))
}

// InitTracing installs a tracer provider for remote calls and view-model loads
// and returns its shutdown func.
func InitTracing(ctx context.Context, cfg TracingConfig) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s span exporter: %w", cfg.Exporter, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("describe tracing resource: %w", err)
	}

	var sampler sdktrace.Sampler = sdktrace.AlwaysSample()
	if cfg.SamplerRatio > 0 && cfg.SamplerRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracer = tp.Tracer(instrumentationName)

	GlobalLogger.Info("tracing enabled", "exporter", cfg.Exporter, "sampler_ratio", cfg.SamplerRatio)
	return tp.Shutdown, nil
}

// Span is an in-progress traced operation.
type Span struct {
	span trace.Span
}

// StartSpan starts an internal span such as a view-model load.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (*Span, context.Context) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return &Span{span: span}, ctx
}

// StartClientSpan starts a span for one call to the hosted auth or table service.
func StartClientSpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (*Span, context.Context) {
	attrs = append(attrs,
		attribute.String("remote.service", service),
		attribute.String("remote.operation", operation),
	)
	ctx, span := tracer.Start(ctx, service+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return &Span{span: span}, ctx
}

// StartServerSpan starts a span for an incoming request, continuing any trace
// named in header.
func StartServerSpan(ctx context.Context, header map[string][]string, name string, attrs ...attribute.KeyValue) (*Span, context.Context) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return &Span{span: span}, ctx
}

// TraceID is the span's trace id, or "" when the span is not sampled.
func (s *Span) TraceID() string {
	if s == nil || !s.span.SpanContext().IsSampled() {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

// AddAttributes sets attributes on the span.
func (s *Span) AddAttributes(attrs ...attribute.KeyValue) {
	if s != nil {
		s.span.SetAttributes(attrs...)
	}
}

// Finish records err, if any, and ends the span. Errors exposing ErrorCode()
// are tagged with error.code.
func (s *Span) Finish(err error) {
	if s == nil {
		return
	}
	if err != nil {
		var coded interface{ ErrorCode() string }
		if errors.As(err, &coded) {
			s.span.SetAttributes(attribute.String("error.code", coded.ErrorCode()))
		}
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
