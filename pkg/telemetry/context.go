package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry builds every component from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is an instrumented reconciliation operation in progress.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	name    string
	timer   *Timer
	metrics *Metrics
}

// StartOperation opens a span, a tagged logger and a timer for operation.
// Without telemetry in ctx the operation is still usable and records
// nothing.
func StartOperation(ctx context.Context, operation, host string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(context.Background()),
			Logger: FromContext(ctx).WithOperation(operation),
			name:   operation,
			timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartOperationSpan(ctx, operation, host)
	span.SetAttributes(attrs...)

	logger := tel.Logger.WithOperation(operation).WithHost(host)
	if span.SpanContext().IsSampled() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	tel.Metrics.OperationStarted()

	return &Operation{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		name:    operation,
		timer:   NewTimer(),
		metrics: tel.Metrics,
	}
}

// Metrics returns the collectors of the operation, possibly nil. Every
// Metrics method is safe on nil.
func (o *Operation) Metrics() *Metrics {
	return o.metrics
}

// End closes the operation with its result label and error class. An empty
// class means the operation succeeded.
func (o *Operation) End(result, class string, err error) {
	if err != nil {
		RecordError(o.Span, err)
		o.Span.SetAttributes(AttrErrorClass.String(class))
		o.metrics.RecordError(class)
	} else {
		RecordSuccess(o.Span)
	}
	o.Span.SetAttributes(AttrResult.String(result))
	o.Span.End()
	o.metrics.RecordReconciliation(o.name, result, o.timer.Duration())
}
