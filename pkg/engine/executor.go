package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lazyflow/lazyflow/pkg/engine"

// LazyExecutor runs one execution pass of a component at a time:
// Idle -> EvaluateNeed -> Compute -> Reconcile -> Done or Error.
type LazyExecutor struct {
	graph    *ConnectionGraph
	tracker  *ValidityTracker
	lookup   func(name string) (*Component, bool)
	model    string
	logger   zerolog.Logger
	metrics  MetricsRecorder
	recorder PassRecorder
	events   EventPublisher
	tracer   trace.Tracer
}

// ExecutorOption configures a LazyExecutor.
type ExecutorOption func(*LazyExecutor)

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *LazyExecutor) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *LazyExecutor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRecorder sets the recorder that receives finished passes.
func WithRecorder(r PassRecorder) ExecutorOption {
	return func(e *LazyExecutor) { e.recorder = r }
}

// WithEvents sets the event publisher.
func WithEvents(p EventPublisher) ExecutorOption {
	return func(e *LazyExecutor) { e.events = p }
}

// WithTracer sets the tracer used for pass spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *LazyExecutor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// withModelName labels results and events with the owning model.
func withModelName(name string) ExecutorOption {
	return func(e *LazyExecutor) { e.model = name }
}

// NewLazyExecutor creates an executor over the given graph and tracker.
func NewLazyExecutor(
	graph *ConnectionGraph,
	tracker *ValidityTracker,
	lookup func(name string) (*Component, bool),
	opts ...ExecutorOption,
) *LazyExecutor {
	e := &LazyExecutor{
		graph:   graph,
		tracker: tracker,
		lookup:  lookup,
		logger:  zerolog.Nop(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one pass of c.
//
// Before evaluating need, every connected input whose edge has not delivered a
// value yet, or which is invalid, is refreshed from its source output. Compute
// runs only if an input is invalid or a connected output is invalid. After
// compute, every connected output must be valid, otherwise the pass fails
// with ErrCodeConnectedOutputNotComputed. Outputs written before a failure
// stay valid.
func (e *LazyExecutor) Run(ctx context.Context, c *Component) (*PassResult, error) {
	result := &PassResult{
		ID:         uuid.New().String(),
		Model:      e.model,
		Component:  c.name,
		Invocation: c.invocations,
		State:      PassStateIdle,
		StartedAt:  time.Now(),
		Connected:  make([]string, 0),
		Computed:   make([]string, 0),
	}

	ctx, span := e.tracer.Start(ctx, "component.run", trace.WithAttributes(
		attribute.String("model", e.model),
		attribute.String("component", c.name),
		attribute.String("pass.id", result.ID),
	))
	logger := e.logger.With().Str("component", c.name).Str("pass_id", result.ID).Logger()

	err := e.run(ctx, c, result, logger)

	result.Duration = time.Since(result.StartedAt)
	if err != nil {
		result.State = PassStateError
		result.Err = err
	}
	e.finish(ctx, span, result, logger)
	return result, err
}

func (e *LazyExecutor) run(ctx context.Context, c *Component, result *PassResult, logger zerolog.Logger) error {
	invalidated, err := e.pull(c)
	result.Invalidated = invalidated
	if invalidated > 0 {
		trace.SpanFromContext(ctx).AddEvent("validity.invalidated", trace.WithAttributes(
			attribute.Int("ports.flipped", invalidated),
		))
	}
	if err != nil {
		return err
	}

	result.State = PassStateEvaluateNeed
	connected := e.connectedOutputs(c)
	result.Connected = connected
	if !e.needsRun(c, connected) {
		result.Skipped = true
		result.State = PassStateDone
		logger.Debug().Strs("connected", connected).Msg("Nothing stale, skipping compute")
		return nil
	}

	result.State = PassStateCompute
	c.invocations++
	result.Invocation = c.invocations

	pass := &Pass{
		component:  c,
		tracker:    e.tracker,
		connected:  connected,
		connSet:    make(map[string]bool, len(connected)),
		invocation: c.invocations,
		computed:   make([]string, 0),
	}
	for _, name := range connected {
		pass.connSet[name] = true
	}

	e.publish(ctx, EventPassStarted, c.name, EventLevelInfo,
		fmt.Sprintf("%s (pass %d) started", c.name, c.invocations),
		map[string]interface{}{"pass_id": result.ID, "connected": connected})

	logger.Debug().Int("invocation", c.invocations).Strs("connected", connected).Msg("Computing")
	computeErr := c.computer.Compute(ctx, pass)
	result.Computed = pass.Computed()
	if computeErr != nil {
		var engineErr *EngineError
		if errors.As(computeErr, &engineErr) {
			return computeErr
		}
		return NewPermanentError(fmt.Sprintf("%s (pass %d): compute failed", c.name, c.invocations), computeErr).
			WithCode(ErrCodeComputeFailed).
			WithResource(c.name).
			WithOperation("compute").
			WithDetail("invocation", c.invocations)
	}

	result.State = PassStateReconcile
	for _, name := range connected {
		if !e.tracker.IsValid(c.Ref(name)) {
			e.metrics.RecordPostconditionFailure(c.name, name)
			return NewConnectedOutputNotComputedError(c.name, name, c.invocations)
		}
	}

	for _, name := range c.registry.Inputs() {
		e.tracker.markInputValid(c.Ref(name))
	}
	result.State = PassStateDone
	return nil
}

// pull refreshes connected inputs from their sources. It returns how many
// ports the resulting invalidations flipped.
func (e *LazyExecutor) pull(c *Component) (int, error) {
	flipped := 0
	for _, name := range c.registry.Inputs() {
		dst := c.Ref(name)
		conn, ok := e.graph.Incoming(dst)
		if !ok {
			continue
		}
		if !e.graph.needsPropagation(dst) && e.tracker.IsValid(dst) {
			continue
		}

		src := conn.Source
		if !e.tracker.IsValid(src) {
			return flipped, NewPermanentError(
				fmt.Sprintf("%s: input '%s' is fed by '%s', which has not been computed", c.name, name, src),
				nil,
			).WithCode(ErrCodeUpstreamInvalid).
				WithResource(dst.String()).
				WithOperation("pull").
				WithDetail("source", src.String())
		}

		upstream, ok := e.lookup(src.Component)
		if !ok {
			return flipped, NewPermanentError(fmt.Sprintf("source component %s not found", src.Component), nil).
				WithCode(ErrCodeNotFound).WithResource(src.String())
		}
		value, _ := upstream.Value(src.Name)
		if err := c.setValue(name, value); err != nil {
			return flipped, err
		}
		flipped += len(e.tracker.Invalidate(dst))
		e.graph.markPropagated(dst)
	}
	if flipped > 0 {
		e.metrics.RecordInvalidations(flipped)
	}
	return flipped, nil
}

// connectedOutputs returns the outputs of c with at least one outgoing edge.
func (e *LazyExecutor) connectedOutputs(c *Component) []string {
	connected := make([]string, 0)
	for _, name := range c.registry.Outputs() {
		if e.tracker.IsConnected(c.Ref(name)) {
			connected = append(connected, name)
		}
	}
	return connected
}

// needsRun is true if any input is invalid or any connected output is invalid.
func (e *LazyExecutor) needsRun(c *Component, connected []string) bool {
	for _, name := range c.registry.Inputs() {
		if !e.tracker.IsValid(c.Ref(name)) {
			return true
		}
	}
	for _, name := range connected {
		if !e.tracker.IsValid(c.Ref(name)) {
			return true
		}
	}
	return false
}

func (e *LazyExecutor) finish(ctx context.Context, span trace.Span, result *PassResult, logger zerolog.Logger) {
	e.metrics.RecordPass(result.Component, result.Outcome(), result.Duration)

	span.SetAttributes(
		attribute.Int("pass.invocation", result.Invocation),
		attribute.Bool("pass.skipped", result.Skipped),
		attribute.StringSlice("pass.computed", result.Computed),
	)

	switch {
	case result.Err != nil:
		var engineErr *EngineError
		if errors.As(result.Err, &engineErr) {
			e.metrics.RecordError(string(engineErr.Class), engineErr.Code)
		} else {
			e.metrics.RecordError(string(ErrorClassPermanent), ErrCodeInternal)
		}
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		logger.Error().Err(result.Err).Int("invocation", result.Invocation).Msg("Pass failed")
		e.publish(ctx, EventPassFailed, result.Component, EventLevelError, result.Err.Error(),
			map[string]interface{}{"pass_id": result.ID, "code": ErrorCode(result.Err)})
	case result.Skipped:
		span.SetStatus(codes.Ok, "")
		e.publish(ctx, EventPassSkipped, result.Component, EventLevelInfo,
			fmt.Sprintf("%s is up to date", result.Component),
			map[string]interface{}{"pass_id": result.ID})
	default:
		span.SetStatus(codes.Ok, "")
		logger.Debug().
			Int("invocation", result.Invocation).
			Strs("computed", result.Computed).
			Dur("duration", result.Duration).
			Msg("Pass completed")
		e.publish(ctx, EventPassCompleted, result.Component, EventLevelInfo,
			fmt.Sprintf("%s (pass %d) computed %d output(s)", result.Component, result.Invocation, len(result.Computed)),
			map[string]interface{}{"pass_id": result.ID, "computed": result.Computed})
	}
	span.End()

	if e.recorder != nil {
		if err := e.recorder.RecordPass(ctx, result); err != nil {
			logger.Warn().Err(err).Msg("Failed to record pass")
		}
	}
}

// Event levels.
const (
	EventLevelInfo  = "info"
	EventLevelError = "error"
)

func (e *LazyExecutor) publish(ctx context.Context, eventType, component, level, message string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      eventType,
		Model:     e.model,
		Component: component,
		Message:   message,
		Level:     level,
		Data:      data,
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Debug().Err(err).Str("event", eventType).Msg("Event dropped")
	}
}
