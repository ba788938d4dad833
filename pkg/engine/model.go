package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Model is the orchestrator: it owns components, the connection graph, the
// validity tracker and the executor, and runs components in workflow order.
// A Model is not safe for concurrent use.
type Model struct {
	name       string
	components map[string]*Component
	order      []string
	workflow   []string
	graph      *ConnectionGraph
	tracker    *ValidityTracker
	executor   *LazyExecutor
	logger     zerolog.Logger
}

// NewModel creates an empty model. Executor options configure logging,
// metrics, tracing, events and pass recording.
func NewModel(name string, opts ...ExecutorOption) *Model {
	m := &Model{
		name:       name,
		components: make(map[string]*Component),
		order:      make([]string, 0),
	}
	m.graph = NewConnectionGraph(m)
	m.tracker = NewValidityTracker(m.graph, m.registryOf)

	all := append([]ExecutorOption{withModelName(name)}, opts...)
	m.executor = NewLazyExecutor(m.graph, m.tracker, m.Component, all...)
	m.logger = m.executor.logger.With().Str("model", name).Logger()
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Graph returns the connection graph.
func (m *Model) Graph() *ConnectionGraph { return m.graph }

// Tracker returns the validity tracker.
func (m *Model) Tracker() *ValidityTracker { return m.tracker }

// Executor returns the lazy executor.
func (m *Model) Executor() *LazyExecutor { return m.executor }

// Add registers a component. Names must be unique and must not contain dots.
func (m *Model) Add(c *Component) error {
	if c == nil {
		return NewPermanentError("component is nil", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := m.components[c.name]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate component name: %s", c.name), nil).
			WithCode(ErrCodeAlreadyExists).WithResource(c.name)
	}
	for _, r := range c.name {
		if r == '.' {
			return NewPermanentError(fmt.Sprintf("component name %q must not contain '.'", c.name), nil).
				WithCode(ErrCodeValidation).WithResource(c.name)
		}
	}
	m.components[c.name] = c
	m.order = append(m.order, c.name)
	m.tracker.Register(c.name, c.registry)
	return nil
}

// Remove disconnects and drops a component.
func (m *Model) Remove(name string) error {
	if _, ok := m.components[name]; !ok {
		return m.notFound(name)
	}
	m.graph.Disconnect(name)
	m.tracker.Forget(name)
	delete(m.components, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for i, n := range m.workflow {
		if n == name {
			m.workflow = append(m.workflow[:i], m.workflow[i+1:]...)
			break
		}
	}
	return nil
}

// Component returns a component by name.
func (m *Model) Component(name string) (*Component, bool) {
	c, ok := m.components[name]
	return c, ok
}

// Components returns component names in insertion order.
func (m *Model) Components() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// ResolvePort implements PortResolver.
func (m *Model) ResolvePort(ref PortRef) (*PortSpec, bool) {
	c, ok := m.components[ref.Component]
	if !ok {
		return nil, false
	}
	return c.registry.Lookup(ref.Name)
}

func (m *Model) registryOf(component string) (*PortRegistry, bool) {
	c, ok := m.components[component]
	if !ok {
		return nil, false
	}
	return c.registry, true
}

// Connect connects two dotted port paths, e.g. Connect("t.x", "s.i1").
func (m *Model) Connect(src, dst string) error {
	srcRef, err := ParsePortRef(src)
	if err != nil {
		return err
	}
	dstRef, err := ParsePortRef(dst)
	if err != nil {
		return err
	}
	if err := m.graph.Connect(srcRef, dstRef); err != nil {
		return err
	}
	m.logger.Debug().Str("source", src).Str("destination", dst).Msg("Connected")
	return nil
}

// Disconnect removes every connection touching component.
func (m *Model) Disconnect(component string) error {
	if _, ok := m.components[component]; !ok {
		return m.notFound(component)
	}
	removed := m.graph.Disconnect(component)
	m.logger.Debug().Str("component", component).Int("removed", len(removed)).Msg("Disconnected")
	return nil
}

// DisconnectInput removes the connection feeding the input at path.
func (m *Model) DisconnectInput(path string) error {
	ref, err := ParsePortRef(path)
	if err != nil {
		return err
	}
	_, err = m.graph.DisconnectInput(ref)
	return err
}

// Set assigns an input value and invalidates it, even if the value is unchanged.
// Connected inputs cannot be set; their value comes from the source.
func (m *Model) Set(path string, value cty.Value) error {
	ref, c, spec, err := m.lookupPort(path)
	if err != nil {
		return err
	}
	if spec.Direction != DirectionIn {
		return NewPermanentError(fmt.Sprintf("%s is an output and cannot be set", path), nil).
			WithCode(ErrCodeValidation).WithResource(path).WithOperation("set")
	}
	if conn, ok := m.graph.Incoming(ref); ok {
		return NewPermanentError(
			fmt.Sprintf("%s is connected to '%s' and cannot be set directly", path, conn.Source), nil,
		).WithCode(ErrCodeValidation).WithResource(path).WithOperation("set")
	}
	if err := c.setValue(ref.Name, value); err != nil {
		return err
	}
	flipped := m.tracker.Invalidate(ref)
	if len(flipped) > 0 {
		m.executor.metrics.RecordInvalidations(len(flipped))
	}
	m.logger.Debug().Str("path", path).Int("invalidated", len(flipped)).Msg("Input set")
	return nil
}

// SetGo assigns a plain Go value (float64, int, string, bool) to an input.
func (m *Model) SetGo(path string, value interface{}) error {
	v, err := GoToValue(value)
	if err != nil {
		return NewPermanentError(fmt.Sprintf("cannot set %s", path), err).
			WithCode(ErrCodeValidation).WithResource(path)
	}
	return m.Set(path, v)
}

// Get returns the current value of any port.
func (m *Model) Get(path string) (cty.Value, error) {
	ref, c, _, err := m.lookupPort(path)
	if err != nil {
		return cty.NilVal, err
	}
	v, _ := c.Value(ref.Name)
	return v, nil
}

// GetFloat returns the current value of a number port.
func (m *Model) GetFloat(path string) (float64, error) {
	v, err := m.Get(path)
	if err != nil {
		return 0, err
	}
	num, err := convert.Convert(v, cty.Number)
	if err != nil || num.IsNull() {
		return 0, NewPermanentError(fmt.Sprintf("%s is not a number", path), err).
			WithCode(ErrCodeValidation).WithResource(path)
	}
	f, _ := num.AsBigFloat().Float64()
	return f, nil
}

// IsValid returns the validity flag of a port.
func (m *Model) IsValid(path string) (bool, error) {
	ref, _, _, err := m.lookupPort(path)
	if err != nil {
		return false, err
	}
	return m.tracker.IsValid(ref), nil
}

// AddPort adds a port to an existing component. The registry is re-opened for
// the addition and sealed again; the new port starts invalid and is treated
// like any other port afterwards.
func (m *Model) AddPort(component string, spec PortSpec) error {
	c, ok := m.components[component]
	if !ok {
		return m.notFound(component)
	}
	if err := c.addPort(spec); err != nil {
		return err
	}
	m.tracker.AddPort(c.Ref(spec.Name))
	m.logger.Debug().Str("component", component).Str("port", spec.Name).
		Str("direction", string(spec.Direction)).Msg("Port added")
	return nil
}

// SetWorkflow fixes the run order. With no explicit workflow, Run uses the
// topological order derived from connections.
func (m *Model) SetWorkflow(names ...string) error {
	for _, n := range names {
		if _, ok := m.components[n]; !ok {
			return m.notFound(n)
		}
	}
	m.workflow = append([]string(nil), names...)
	return nil
}

// Workflow returns the order Run will use.
func (m *Model) Workflow() ([]string, error) {
	if len(m.workflow) > 0 {
		out := make([]string, len(m.workflow))
		copy(out, m.workflow)
		return out, nil
	}
	return NewWorkflowBuilder().Order(m)
}

// Run runs every component once in workflow order and stops at the first error.
func (m *Model) Run(ctx context.Context) ([]*PassResult, error) {
	order, err := m.Workflow()
	if err != nil {
		return nil, err
	}

	results := make([]*PassResult, 0, len(order))
	for _, name := range order {
		res, err := m.executor.Run(ctx, m.components[name])
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunComponent runs a single pass of one component.
func (m *Model) RunComponent(ctx context.Context, name string) (*PassResult, error) {
	c, ok := m.components[name]
	if !ok {
		return nil, m.notFound(name)
	}
	return m.executor.Run(ctx, c)
}

// Status returns a snapshot of every port of every component, ordered by path.
func (m *Model) Status() []PortStatus {
	out := make([]PortStatus, 0)
	for _, name := range m.order {
		out = append(out, m.ComponentStatus(name)...)
	}
	return out
}

// ComponentStatus returns a snapshot of every port of one component.
func (m *Model) ComponentStatus(name string) []PortStatus {
	c, ok := m.components[name]
	if !ok {
		return nil
	}
	out := make([]PortStatus, 0)
	add := func(portName string, dir Direction) {
		ref := c.Ref(portName)
		spec, _ := c.registry.Lookup(portName)
		v, _ := c.Value(portName)
		connected := false
		if dir == DirectionOut {
			connected = m.graph.HasOutgoing(ref)
		} else {
			_, connected = m.graph.Incoming(ref)
		}
		out = append(out, PortStatus{
			Path:      ref.String(),
			Direction: dir,
			Type:      spec.Type.FriendlyName(),
			Value:     ValueToGo(v),
			Valid:     m.tracker.IsValid(ref),
			Connected: connected,
		})
	}
	inputs := c.registry.Inputs()
	outputs := c.registry.Outputs()
	sort.Strings(inputs)
	sort.Strings(outputs)
	for _, n := range inputs {
		add(n, DirectionIn)
	}
	for _, n := range outputs {
		add(n, DirectionOut)
	}
	return out
}

func (m *Model) lookupPort(path string) (PortRef, *Component, *PortSpec, error) {
	ref, err := ParsePortRef(path)
	if err != nil {
		return PortRef{}, nil, nil, err
	}
	c, ok := m.components[ref.Component]
	if !ok {
		return PortRef{}, nil, nil, m.notFound(ref.Component)
	}
	spec, ok := c.registry.Lookup(ref.Name)
	if !ok {
		return PortRef{}, nil, nil, NewPermanentError(fmt.Sprintf("port %s not found", path), nil).
			WithCode(ErrCodeNotFound).WithResource(path)
	}
	return ref, c, spec, nil
}

func (m *Model) notFound(component string) error {
	return NewPermanentError(fmt.Sprintf("component %s not found", component), nil).
		WithCode(ErrCodeNotFound).WithResource(component)
}
