package engine

// ValidityTracker holds the freshness flag of every port and applies the
// invalidation cascade along the connection graph.
//
// A component's outputs are treated as depending on all of its inputs.
type ValidityTracker struct {
	graph *ConnectionGraph
	ports func(component string) (*PortRegistry, bool)
	valid map[PortRef]bool
}

// NewValidityTracker creates a tracker over graph. ports resolves a component
// name to its registry so the cascade can reach every output of a component.
func NewValidityTracker(graph *ConnectionGraph, ports func(component string) (*PortRegistry, bool)) *ValidityTracker {
	return &ValidityTracker{
		graph: graph,
		ports: ports,
		valid: make(map[PortRef]bool),
	}
}

// Register sets the initial flags of a new component: inputs valid, outputs invalid.
func (t *ValidityTracker) Register(component string, registry *PortRegistry) {
	for _, name := range registry.Inputs() {
		t.valid[PortRef{Component: component, Name: name}] = true
	}
	for _, name := range registry.Outputs() {
		t.valid[PortRef{Component: component, Name: name}] = false
	}
}

// Forget drops every flag of component.
func (t *ValidityTracker) Forget(component string) {
	for ref := range t.valid {
		if ref.Component == component {
			delete(t.valid, ref)
		}
	}
}

// AddPort registers a port added after construction. It starts invalid.
func (t *ValidityTracker) AddPort(ref PortRef) {
	t.valid[ref] = false
}

// IsValid reports the flag of ref. Unknown ports are invalid.
func (t *ValidityTracker) IsValid(ref PortRef) bool {
	return t.valid[ref]
}

// MarkValid sets the flag of an output port. Only the executor path calls it,
// for outputs written during a pass.
func (t *ValidityTracker) MarkValid(ref PortRef) {
	t.valid[ref] = true
}

// markInputValid sets the flag of an input port after a successful pass.
func (t *ValidityTracker) markInputValid(ref PortRef) {
	t.valid[ref] = true
}

// IsConnected reports whether an output has at least one outgoing connection.
func (t *ValidityTracker) IsConnected(output PortRef) bool {
	return t.graph.HasOutgoing(output)
}

// Invalidate marks input invalid and cascades: every output of its component
// becomes invalid, and every input fed by those outputs is invalidated in turn.
// The walk stops at inputs that are already invalid and never visits a port twice.
// It returns the ports that flipped from valid to invalid, starting with input.
// Invalidating an input that is already invalid is a no-op.
func (t *ValidityTracker) Invalidate(input PortRef) []PortRef {
	if !t.valid[input] {
		return nil
	}

	visited := map[PortRef]bool{input: true}
	flipped := make([]PortRef, 0)
	t.valid[input] = false
	flipped = append(flipped, input)

	doneComponents := make(map[string]bool)
	queue := []PortRef{input}
	for len(queue) > 0 {
		in := queue[0]
		queue = queue[1:]

		if doneComponents[in.Component] {
			continue
		}
		doneComponents[in.Component] = true

		registry, ok := t.ports(in.Component)
		if !ok {
			continue
		}
		for _, name := range registry.Outputs() {
			out := PortRef{Component: in.Component, Name: name}
			if t.valid[out] {
				t.valid[out] = false
				flipped = append(flipped, out)
			}
			for _, conn := range t.graph.Outgoing(out) {
				dst := conn.Destination
				if visited[dst] {
					continue
				}
				visited[dst] = true
				if !t.valid[dst] {
					continue
				}
				t.valid[dst] = false
				flipped = append(flipped, dst)
				queue = append(queue, dst)
			}
		}
	}
	return flipped
}

// Snapshot returns a copy of all flags of component.
func (t *ValidityTracker) Snapshot(component string) map[string]bool {
	out := make(map[string]bool)
	for ref, v := range t.valid {
		if ref.Component == component {
			out[ref.Name] = v
		}
	}
	return out
}
