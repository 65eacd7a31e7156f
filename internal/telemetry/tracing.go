package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer manages distributed tracing
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer for serviceName. Spans are exported to the
// Jaeger collector at endpoint; with an empty endpoint they are recorded
// but never exported.
func NewTracer(serviceName string, endpoint string) (*Tracer, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	}

	if endpoint != "" {
		exporter, err := jaeger.New(
			jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	// Set global trace provider
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return NewTracerFromProvider(tp, serviceName), nil
}

// NewTracerFromProvider wraps an existing provider without touching
// global state.
func NewTracerFromProvider(tp *sdktrace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}
}

// Shutdown flushes pending spans and stops the provider
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// TracingMiddleware adds tracing to requests
func (t *Tracer) TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := t.startSpan(ctx, r.Method+" "+r.URL.Path, trace.SpanKindServer)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.user_agent", r.UserAgent()),
		)

		wrw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrw.statusCode))
		if wrw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(wrw.statusCode))
		}
	})
}

func (t *Tracer) startSpan(ctx context.Context, name string, kind trace.SpanKind) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind))
}

// TraceStorageOperation runs fn inside a "storage.<operation>" span
func (t *Tracer) TraceStorageOperation(ctx context.Context, operation, key string, fn func(context.Context) error) error {
	ctx, span := t.startSpan(ctx, "storage."+operation, trace.SpanKindInternal)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	span.SetAttributes(
		attribute.String("operation", operation),
		attribute.Int("key.length", len(key)),
		attribute.String("duration", time.Since(start).String()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}
