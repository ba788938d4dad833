package engine

import (
	"context"
	"time"
)

// Computer is the compute logic of a component.
// Compute may write any subset of the component's outputs through the pass;
// pass.Connected() lists the outputs somebody downstream consumes and is advisory.
type Computer interface {
	Compute(ctx context.Context, pass *Pass) error
}

// ComputeFunc adapts a plain function to the Computer interface.
type ComputeFunc func(ctx context.Context, pass *Pass) error

// Compute calls f(ctx, pass).
func (f ComputeFunc) Compute(ctx context.Context, pass *Pass) error {
	return f(ctx, pass)
}

// PassRecorder receives every finished pass, e.g. to journal it.
type PassRecorder interface {
	RecordPass(ctx context.Context, result *PassResult) error
}

// EventPublisher publishes executor timeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder collects executor metrics.
// All methods must be safe to call on a disabled recorder.
type MetricsRecorder interface {
	RecordPass(component, outcome string, duration time.Duration)
	RecordInvalidations(count int)
	RecordPostconditionFailure(component, output string)
	RecordError(errorClass, errorCode string)
}

// noopMetrics is used when no MetricsRecorder is configured.
type noopMetrics struct{}

func (noopMetrics) RecordPass(string, string, time.Duration) {}
func (noopMetrics) RecordInvalidations(int) {}
func (noopMetrics) RecordPostconditionFailure(string, string) {}
func (noopMetrics) RecordError(string, string) {}
