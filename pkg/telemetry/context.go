package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a
// session.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
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

// EngineOptions returns the executor options that route engine logging,
// metrics, spans and events through this telemetry instance.
func (t *Telemetry) EngineOptions() []engine.ExecutorOption {
	return []engine.ExecutorOption{
		engine.WithLogger(t.Logger.NewSubsystemLogger("engine").Zerolog()),
		engine.WithMetrics(t.Metrics),
		engine.WithTracer(t.Tracer.Tracer()),
		engine.WithEvents(t.Events),
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains pending events and spans. The metrics server keeps
// serving until the process exits.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext is one traced, timed operation outside the executor.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation under the telemetry in ctx.
// Without telemetry only the timer and the context logger are set.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.with("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.with("trace_id", sc.TraceID().String()).with("span_id", sc.SpanID().String())
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// modelRunKey is the context key for the state of a model run.
type modelRunKey struct{}

type modelRunState struct {
	span  trace.Span
	timer *Timer
}

// WithModelRunContext creates a context enriched with model run telemetry.
// Pair every call with EndModelRunContext.
func WithModelRunContext(ctx context.Context, model string, components int) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartModelRunSpan(ctx, model, components)

	logger := tel.Logger.WithModel(model)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishModelRunStarted(spanCtx, model, components)

	return context.WithValue(spanCtx, modelRunKey{}, &modelRunState{span: span, timer: NewTimer()})
}

// EndModelRunContext completes the model run context, recording metrics and events.
func EndModelRunContext(ctx context.Context, model string, results []*engine.PassResult, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if state, ok := ctx.Value(modelRunKey{}).(*modelRunState); ok {
		duration = state.timer.Duration()
		if err != nil {
			RecordError(state.span, err)
		} else {
			RecordSuccess(state.span)
		}
		state.span.End()
	}

	computed, skipped := 0, 0
	failed := ""
	for _, r := range results {
		switch r.Outcome() {
		case "computed":
			computed++
		case "skipped":
			skipped++
		default:
			failed = r.Component
		}
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	tel.Metrics.RecordRunCompleted(model, status, duration)

	if err != nil {
		_ = tel.Events.PublishModelRunFailed(ctx, model, failed, err.Error())
	} else {
		_ = tel.Events.PublishModelRunCompleted(ctx, model, computed, skipped, duration)
	}
}

// RecordExternalOperation wraps an external command execution with a span and metrics.
// fn returns the command's result label ("ok", "nonzero", "timeout") and error.
func RecordExternalOperation(ctx context.Context, component, command string, fn func(context.Context) (string, error)) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartExternalCodeSpan(ctx, component, command)
		defer span.End()
	}

	timer := NewTimer()
	result, err := fn(ctx)

	if tel != nil {
		tel.Metrics.RecordExternalCall(result, timer.Duration())
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
