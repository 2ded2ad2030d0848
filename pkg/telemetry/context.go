package telemetry

import (
	"context"

	"github.com/driftwatch/driftwatch/pkg/engine"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
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

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Instrument attaches the logger, tracer, metrics and events of t to a
// watcher configuration. The logger is always replaced; the other hooks only
// when unset.
func (t *Telemetry) Instrument(cfg *engine.WatcherConfig) {
	cfg.Logger = t.Logger.NewComponentLogger("watcher").Zerolog()
	if cfg.Tracer == nil {
		cfg.Tracer = t.Tracer.Tracer()
	}
	if cfg.Metrics == nil && t.Metrics.config.Enabled {
		cfg.Metrics = t.Metrics
	}
	if cfg.Events == nil && t.Events.config.Enabled {
		cfg.Events = t.Events
	}
}

// Shutdown drains events and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer serves metrics until ctx is cancelled. It is a no-op
// when metrics are disabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx)
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// End finishes the operation, recording success or failure on the span.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// RecordProducerOperation runs fn inside a producer span and counts its
// failure by error class.
func RecordProducerOperation(ctx context.Context, technology, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartProducerSpan(ctx, technology, operation)
	logger := FromContext(ctx).WithTechnology(technology).WithFields(map[string]interface{}{
		"operation": operation,
		"trace_id":  TraceID(spanCtx),
		"span_id":   SpanID(spanCtx),
	})
	op := &InstrumentedContext{Ctx: spanCtx, Span: span, Logger: logger, Timer: NewTimer()}

	err := fn(op.Ctx)
	op.End(err)
	if err != nil {
		tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		op.Logger.WithError(err).WithField("duration", op.Timer.Duration().String()).Debug("Producer operation failed")
	}
	return err
}
