// Package telemetry wires Prometheus metrics and an OpenTelemetry tracer
// around dispatched operations, generalizing the teacher's agent/LLM/tool
// metric families down to the single "tool call" concept this dispatcher
// actually has.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opsloop/dispatchd/internal/shellpool"
)

// TracerConfig mirrors the teacher's tracer configuration. Exporter selects
// the span exporter backend: "otlp" (default) ships spans to an OTLP/gRPC
// collector at EndpointURL; "stdout" pretty-prints them, useful for local
// debugging without a collector running.
type TracerConfig struct {
	Enabled      bool
	Exporter     string
	EndpointURL  string
	SamplingRate float64
	ServiceName  string
}

// InitGlobalTracer installs a global TracerProvider, or a no-op provider
// when tracing is disabled.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// newSpanExporter builds the span exporter named by cfg.Exporter, defaulting
// to the OTLP/gRPC exporter when unset.
func newSpanExporter(ctx context.Context, cfg TracerConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "otlp":
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.EndpointURL),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// GetTracer returns the named tracer from the global provider.
func GetTracer(name string) trace.Tracer { return otel.Tracer(name) }

// MetricsConfig configures the Prometheus registry namespace and endpoint.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Metrics exposes the operation/sequence/HTTP counters this dispatcher
// emits. A nil *Metrics is safe to call methods on (every Record* method
// is a no-op), matching the teacher's disable-by-returning-nil pattern.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec
	operationsActive *prometheus.GaugeVec

	sequenceSteps   *prometheus.CounterVec
	sequenceSkipped *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	meterProvider *sdkmetric.MeterProvider
	shellAcquire  metric.Int64Counter
	shellRelease  metric.Int64Counter
	shellPoolFull metric.Int64Counter
}

// NewMetrics builds a Metrics instance, or returns nil when disabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "dispatchd"
	}
	m := &Metrics{config: &cfg, registry: prometheus.NewRegistry()}
	m.initDispatchMetrics()
	m.initSequenceMetrics()
	m.initHTTPMetrics()
	m.initShellMetrics()
	return m
}

// initShellMetrics wires an OpenTelemetry meter, backed by the Prometheus
// registry this Metrics instance already exposes, for the shell-pool
// counters. Those counters are recorded through the otel/metric API (rather
// than raw client_golang, like the rest of this file) and read out by the
// otel Prometheus bridge exporter onto the same /metrics endpoint, since
// shellpool.Manager only knows the otel-shaped shellpool.Metrics interface.
func (m *Metrics) initShellMetrics() {
	exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry), otelprom.WithNamespace(m.config.Namespace))
	if err != nil {
		// Best-effort: shell-pool metrics are an enrichment, not load-bearing.
		// dispatch/sequence/http metrics above remain fully functional.
		return
	}
	m.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := m.meterProvider.Meter("dispatchd.shellpool")

	m.shellAcquire, _ = meter.Int64Counter("shellpool_acquire_total",
		metric.WithDescription("Total number of shell-pool Acquire calls that returned a shell"))
	m.shellRelease, _ = meter.Int64Counter("shellpool_release_total",
		metric.WithDescription("Total number of shells returned to the pool"))
	m.shellPoolFull, _ = meter.Int64Counter("shellpool_full_total",
		metric.WithDescription("Total number of Acquire calls rejected because the global shell cap was reached"))
}

// ShellMetrics adapts this Metrics instance to the shellpool.Metrics
// interface, or returns shellpool.NopMetrics{} when disabled.
func (m *Metrics) ShellMetrics() shellpool.Metrics {
	if m == nil || m.shellAcquire == nil {
		return shellpool.NopMetrics{}
	}
	return otelShellMetrics{m}
}

type otelShellMetrics struct{ m *Metrics }

func (s otelShellMetrics) RecordAcquire(workingDir string) {
	s.m.shellAcquire.Add(context.Background(), 1, metric.WithAttributes(attribute.String("working_dir", workingDir)))
}

func (s otelShellMetrics) RecordRelease(workingDir string) {
	s.m.shellRelease.Add(context.Background(), 1, metric.WithAttributes(attribute.String("working_dir", workingDir)))
}

func (s otelShellMetrics) RecordPoolFull(workingDir string) {
	s.m.shellPoolFull.Add(context.Background(), 1, metric.WithAttributes(attribute.String("working_dir", workingDir)))
}

func (m *Metrics) initDispatchMetrics() {
	m.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "calls_total",
		Help:      "Total number of call_tool dispatches",
	}, []string{"tool_name", "mode"})

	m.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Dispatched operation duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"tool_name", "mode"})

	m.dispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "errors_total",
		Help:      "Total number of failed dispatches",
	}, []string{"tool_name", "error_code"})

	m.operationsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: "dispatch",
		Name:      "operations_active",
		Help:      "Number of in-flight asynchronous operations",
	}, []string{"tool_name"})

	m.registry.MustRegister(m.dispatchTotal, m.dispatchDuration, m.dispatchErrors, m.operationsActive)
}

func (m *Metrics) initSequenceMetrics() {
	m.sequenceSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "sequence",
		Name:      "steps_total",
		Help:      "Total number of sequence steps executed",
	}, []string{"tool_name", "outcome"})

	m.sequenceSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "sequence",
		Name:      "steps_skipped_total",
		Help:      "Total number of sequence steps skipped by a file guard",
	}, []string{"tool_name"})

	m.registry.MustRegister(m.sequenceSteps, m.sequenceSkipped)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests against the MCP HTTP transport",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordDispatch records one completed call_tool dispatch.
func (m *Metrics) RecordDispatch(toolName, mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(toolName, mode).Inc()
	m.dispatchDuration.WithLabelValues(toolName, mode).Observe(duration.Seconds())
}

// RecordDispatchError records a dispatch that failed with the given
// apperr code.
func (m *Metrics) RecordDispatchError(toolName, errorCode string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(toolName, errorCode).Inc()
}

// SetOperationsActive reports the current active-operation count for a tool.
func (m *Metrics) SetOperationsActive(toolName string, count int) {
	if m == nil {
		return
	}
	m.operationsActive.WithLabelValues(toolName).Set(float64(count))
}

// RecordSequenceStep records one sequence step's outcome ("ok", "failed",
// or "started" for an asynchronously launched step).
func (m *Metrics) RecordSequenceStep(toolName, outcome string) {
	if m == nil {
		return
	}
	m.sequenceSteps.WithLabelValues(toolName, outcome).Inc()
}

// RecordSequenceSkipped records a step skipped by a file guard.
func (m *Metrics) RecordSequenceSkipped(toolName string) {
	if m == nil {
		return
	}
	m.sequenceSkipped.WithLabelValues(toolName).Inc()
}

// RecordHTTPRequest records one HTTP request against the MCP HTTP transport.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusCodeLabel(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler returns the Prometheus scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartSpan starts a span for one dispatched tool call, attaching the
// attributes a reader of traces would want to filter on.
func StartSpan(ctx context.Context, toolName, mode string) (context.Context, trace.Span) {
	tracer := GetTracer("dispatchd.dispatch")
	return tracer.Start(ctx, "dispatch.call_tool", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.mode", mode),
	))
}

// EndSpan closes a span, recording success/failure per the teacher's
// otel-status convention.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.End()
}
