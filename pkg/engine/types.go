package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// Direction says whether a port receives or produces values.
type Direction string

const (
	// DirectionIn marks an input port.
	DirectionIn Direction = "in"

	// DirectionOut marks an output port.
	DirectionOut Direction = "out"
)

// PortRef identifies a port by owning component and port name.
type PortRef struct {
	Component string `json:"component" yaml:"component"`
	Name      string `json:"name" yaml:"name"`
}

// String renders the dotted path form, e.g. "t.x".
func (r PortRef) String() string {
	return r.Component + "." + r.Name
}

// ParsePortRef parses a dotted path "component.port".
func ParsePortRef(path string) (PortRef, error) {
	idx := strings.LastIndex(path, ".")
	if idx <= 0 || idx == len(path)-1 {
		return PortRef{}, NewPermanentError(
			fmt.Sprintf("invalid port path %q: expected component.port", path), nil,
		).WithCode(ErrCodeValidation)
	}
	return PortRef{Component: path[:idx], Name: path[idx+1:]}, nil
}

// PortSpec is the static declaration of a port.
type PortSpec struct {
	// Name is the port name, unique within its component.
	Name string

	// Direction is in or out.
	Direction Direction

	// Type is one of cty.Number, cty.String, cty.Bool.
	Type cty.Type

	// Default is the value the port holds before anything is written to it.
	Default cty.Value

	// Description is free text shown by the CLI.
	Description string
}

// Connection is a directed edge from an output port to an input port.
type Connection struct {
	Source      PortRef `json:"source" yaml:"source"`
	Destination PortRef `json:"destination" yaml:"destination"`
}

// String renders the connection as "src -> dst".
func (c Connection) String() string {
	return c.Source.String() + " -> " + c.Destination.String()
}

// PassState is a state of the lazy executor's per-run state machine.
type PassState string

const (
	PassStateIdle         PassState = "idle"
	PassStateEvaluateNeed PassState = "evaluate_need"
	PassStateCompute      PassState = "compute"
	PassStateReconcile    PassState = "reconcile"
	PassStateDone         PassState = "done"
	PassStateError        PassState = "error"
)

// PassResult is the outcome of one Run call on a component.
type PassResult struct {
	// ID uniquely identifies this run call.
	ID string `json:"id"`

	// Model is the name of the model the component belongs to.
	Model string `json:"model,omitempty"`

	// Component is the component name.
	Component string `json:"component"`

	// Invocation is the 1-based compute pass index of the component.
	// It is zero when the run was skipped before any compute ever happened.
	Invocation int `json:"invocation"`

	// State is the terminal state, Done or Error.
	State PassState `json:"state"`

	// Skipped is true when nothing was stale and compute was not invoked.
	Skipped bool `json:"skipped"`

	// Connected lists the outputs that had at least one outgoing connection.
	Connected []string `json:"connected"`

	// Computed lists the outputs written during the pass, in write order.
	Computed []string `json:"computed"`

	// Invalidated counts ports flipped to invalid while pulling inputs.
	Invalidated int `json:"invalidated"`

	// StartedAt is when the run call began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the run call took.
	Duration time.Duration `json:"duration"`

	// Err is the error that ended the pass, if any.
	Err error `json:"-"`
}

// Succeeded reports whether the pass ended in Done.
func (r *PassResult) Succeeded() bool {
	return r.State == PassStateDone
}

// Outcome is a short label used for metrics and journaling.
func (r *PassResult) Outcome() string {
	switch {
	case r.State == PassStateError:
		return "error"
	case r.Skipped:
		return "skipped"
	default:
		return "computed"
	}
}

// PortStatus is a snapshot of one port, used by reports and the CLI.
type PortStatus struct {
	Path      string      `json:"path"`
	Direction Direction   `json:"direction"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Valid     bool        `json:"valid"`
	Connected bool        `json:"connected"`
}

// Event is a timeline event emitted by the executor.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Model     string                 `json:"model,omitempty"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the executor.
const (
	EventPassStarted   = "pass.started"
	EventPassCompleted = "pass.completed"
	EventPassSkipped   = "pass.skipped"
	EventPassFailed    = "pass.failed"
)
