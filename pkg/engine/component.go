package engine

import (
	"fmt"
	"math"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Component owns a sealed port registry, the current port values and compute logic.
// Validity lives in the ValidityTracker, not here.
type Component struct {
	name        string
	kind        string
	registry    *PortRegistry
	computer    Computer
	values      map[string]cty.Value
	invocations int
}

// NewComponent builds a component and seals its registry.
func NewComponent(name string, registry *PortRegistry, computer Computer) (*Component, error) {
	if name == "" {
		return nil, NewPermanentError("component name is required", nil).WithCode(ErrCodeValidation)
	}
	if registry == nil {
		return nil, NewPermanentError("component has no port registry", nil).
			WithCode(ErrCodeValidation).WithResource(name)
	}
	if computer == nil {
		return nil, NewPermanentError("component has no compute logic", nil).
			WithCode(ErrCodeValidation).WithResource(name)
	}

	registry.Seal()

	c := &Component{
		name:     name,
		registry: registry,
		computer: computer,
		values:   make(map[string]cty.Value),
	}
	for _, n := range registry.Inputs() {
		spec, _ := registry.Lookup(n)
		c.values[n] = spec.Default
	}
	for _, n := range registry.Outputs() {
		spec, _ := registry.Lookup(n)
		c.values[n] = spec.Default
	}
	return c, nil
}

// Name returns the component name.
func (c *Component) Name() string { return c.name }

// Kind returns the component kind label, if one was set.
func (c *Component) Kind() string { return c.kind }

// SetKind labels the component with the kind it was built from.
func (c *Component) SetKind(kind string) { c.kind = kind }

// Registry returns the component's port registry.
func (c *Component) Registry() *PortRegistry { return c.registry }

// Computer returns the compute logic.
func (c *Component) Computer() Computer { return c.computer }

// Invocations returns how many compute passes have started.
func (c *Component) Invocations() int { return c.invocations }

// Value returns the current value of a port.
func (c *Component) Value(name string) (cty.Value, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Ref returns the reference to one of this component's ports.
func (c *Component) Ref(name string) PortRef {
	return PortRef{Component: c.name, Name: name}
}

// setValue converts v to the port type and stores it.
func (c *Component) setValue(name string, v cty.Value) error {
	spec, ok := c.registry.Lookup(name)
	if !ok {
		return NewPermanentError(fmt.Sprintf("no such port: %s", name), nil).
			WithCode(ErrCodeNotFound).WithResource(c.Ref(name).String())
	}
	converted, err := convert.Convert(v, spec.Type)
	if err != nil {
		return NewPermanentError(
			fmt.Sprintf("cannot assign %s to %s port", v.Type().FriendlyName(), spec.Type.FriendlyName()), err,
		).WithCode(ErrCodeValidation).WithResource(c.Ref(name).String())
	}
	c.values[name] = converted
	return nil
}

// addPort registers a port after construction and gives it its default value.
func (c *Component) addPort(spec PortSpec) error {
	c.registry.Reopen()
	defer c.registry.Seal()
	if err := c.registry.Add(spec); err != nil {
		return err
	}
	added, _ := c.registry.Lookup(spec.Name)
	c.values[spec.Name] = added.Default
	return nil
}

// Pass is the handle compute logic uses during one compute pass.
// Writes through SetOutput mark the output valid immediately.
type Pass struct {
	component  *Component
	tracker    *ValidityTracker
	connected  []string
	connSet    map[string]bool
	invocation int
	computed   []string
}

// Component returns the name of the component being computed.
func (p *Pass) Component() string { return p.component.name }

// Invocation returns the 1-based compute pass index.
func (p *Pass) Invocation() int { return p.invocation }

// Connected returns the outputs with at least one outgoing connection.
func (p *Pass) Connected() []string {
	out := make([]string, len(p.connected))
	copy(out, p.connected)
	return out
}

// IsConnected reports whether output name is needed downstream.
func (p *Pass) IsConnected(name string) bool { return p.connSet[name] }

// Computed returns the outputs written so far in this pass.
func (p *Pass) Computed() []string {
	out := make([]string, len(p.computed))
	copy(out, p.computed)
	return out
}

// Inputs returns the names of the component's inputs.
func (p *Pass) Inputs() []string { return p.component.registry.Inputs() }

// Outputs returns the names of the component's outputs.
func (p *Pass) Outputs() []string { return p.component.registry.Outputs() }

// Input returns the current value of an input port.
func (p *Pass) Input(name string) (cty.Value, error) {
	spec, ok := p.component.registry.Lookup(name)
	if !ok || spec.Direction != DirectionIn {
		return cty.NilVal, NewPermanentError(fmt.Sprintf("no such input: %s", name), nil).
			WithCode(ErrCodeNotFound).WithResource(p.component.Ref(name).String())
	}
	return p.component.values[name], nil
}

// Float returns a number input as float64.
func (p *Pass) Float(name string) (float64, error) {
	v, err := p.Input(name)
	if err != nil {
		return 0, err
	}
	if !v.Type().Equals(cty.Number) || v.IsNull() {
		return 0, NewPermanentError(fmt.Sprintf("input %s is not a number", name), nil).
			WithCode(ErrCodeValidation).WithResource(p.component.Ref(name).String())
	}
	f, _ := v.AsBigFloat().Float64()
	return f, nil
}

// Str returns a string input.
func (p *Pass) Str(name string) (string, error) {
	v, err := p.Input(name)
	if err != nil {
		return "", err
	}
	if !v.Type().Equals(cty.String) || v.IsNull() {
		return "", NewPermanentError(fmt.Sprintf("input %s is not a string", name), nil).
			WithCode(ErrCodeValidation).WithResource(p.component.Ref(name).String())
	}
	return v.AsString(), nil
}

// Bool returns a bool input.
func (p *Pass) Bool(name string) (bool, error) {
	v, err := p.Input(name)
	if err != nil {
		return false, err
	}
	if !v.Type().Equals(cty.Bool) || v.IsNull() {
		return false, NewPermanentError(fmt.Sprintf("input %s is not a bool", name), nil).
			WithCode(ErrCodeValidation).WithResource(p.component.Ref(name).String())
	}
	return v.True(), nil
}

// SetOutput writes an output value and marks it valid.
func (p *Pass) SetOutput(name string, v cty.Value) error {
	spec, ok := p.component.registry.Lookup(name)
	if !ok || spec.Direction != DirectionOut {
		return NewPermanentError(fmt.Sprintf("no such output: %s", name), nil).
			WithCode(ErrCodeNotFound).WithResource(p.component.Ref(name).String())
	}
	if err := p.component.setValue(name, v); err != nil {
		return err
	}
	p.tracker.MarkValid(p.component.Ref(name))
	p.computed = append(p.computed, name)
	return nil
}

// SetOutputStale writes an output value without marking it valid, so it
// is visible for inspection but never handed on as fresh.
func (p *Pass) SetOutputStale(name string, v cty.Value) error {
	spec, ok := p.component.registry.Lookup(name)
	if !ok || spec.Direction != DirectionOut {
		return NewPermanentError(fmt.Sprintf("no such output: %s", name), nil).
			WithCode(ErrCodeNotFound).WithResource(p.component.Ref(name).String())
	}
	return p.component.setValue(name, v)
}

// SetFloat writes a number output.
func (p *Pass) SetFloat(name string, f float64) error {
	if math.IsNaN(f) {
		return NewPermanentError(fmt.Sprintf("output %s: NaN is not a valid number", name), nil).
			WithCode(ErrCodeValidation).WithResource(p.component.Ref(name).String())
	}
	return p.SetOutput(name, cty.NumberFloatVal(f))
}
