package engine

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty/convert"
)

// PortResolver looks up port declarations by reference.
type PortResolver interface {
	ResolvePort(ref PortRef) (*PortSpec, bool)
}

// edge is a stored connection plus propagation bookkeeping.
type edge struct {
	conn Connection
	seq  uint64

	// propagated is false until the source value has been pulled into the
	// destination at least once since the edge was created.
	propagated bool
}

// ConnectionGraph holds all connections with reverse indices.
// A destination input has at most one incoming edge.
type ConnectionGraph struct {
	resolver PortResolver
	incoming map[PortRef]*edge
	outgoing map[PortRef][]*edge
	nextSeq  uint64
}

// NewConnectionGraph creates an empty graph. A nil resolver skips port checks.
func NewConnectionGraph(resolver PortResolver) *ConnectionGraph {
	return &ConnectionGraph{
		resolver: resolver,
		incoming: make(map[PortRef]*edge),
		outgoing: make(map[PortRef][]*edge),
	}
}

// Connect records the edge src -> dst.
// Reconnecting dst to the same source is a no-op; to a different source it
// fails with ErrCodeDuplicateDestination and leaves the topology unchanged.
// Connect never touches validity.
func (g *ConnectionGraph) Connect(src, dst PortRef) error {
	if err := g.checkPorts(src, dst); err != nil {
		return err
	}

	if existing, ok := g.incoming[dst]; ok {
		if existing.conn.Source == src {
			return nil
		}
		return NewDuplicateDestinationError(dst, existing.conn.Source, src)
	}

	g.nextSeq++
	e := &edge{
		conn: Connection{Source: src, Destination: dst},
		seq:  g.nextSeq,
	}
	g.incoming[dst] = e
	g.outgoing[src] = append(g.outgoing[src], e)
	return nil
}

// checkPorts validates existence, direction and type compatibility.
func (g *ConnectionGraph) checkPorts(src, dst PortRef) error {
	if src.Component == dst.Component {
		return NewPermanentError(fmt.Sprintf("cannot connect %s to %s: same component", src, dst), nil).
			WithCode(ErrCodeValidation).WithOperation("connect")
	}
	if g.resolver == nil {
		return nil
	}

	srcSpec, ok := g.resolver.ResolvePort(src)
	if !ok {
		return NewPermanentError(fmt.Sprintf("source port %s not found", src), nil).
			WithCode(ErrCodeNotFound).WithResource(src.String()).WithOperation("connect")
	}
	dstSpec, ok := g.resolver.ResolvePort(dst)
	if !ok {
		return NewPermanentError(fmt.Sprintf("destination port %s not found", dst), nil).
			WithCode(ErrCodeNotFound).WithResource(dst.String()).WithOperation("connect")
	}
	if srcSpec.Direction != DirectionOut {
		return NewPermanentError(fmt.Sprintf("source %s is not an output", src), nil).
			WithCode(ErrCodeValidation).WithResource(src.String()).WithOperation("connect")
	}
	if dstSpec.Direction != DirectionIn {
		return NewPermanentError(fmt.Sprintf("destination %s is not an input", dst), nil).
			WithCode(ErrCodeValidation).WithResource(dst.String()).WithOperation("connect")
	}
	// A nil conversion between equal types means none is needed.
	if !srcSpec.Type.Equals(dstSpec.Type) && convert.GetConversionUnsafe(srcSpec.Type, dstSpec.Type) == nil {
		return NewPermanentError(
			fmt.Sprintf("type mismatch: %s is %s, %s is %s", src, srcSpec.Type.FriendlyName(), dst, dstSpec.Type.FriendlyName()),
			nil,
		).WithCode(ErrCodeValidation).WithResource(dst.String()).WithOperation("connect")
	}
	return nil
}

// Disconnect removes every edge touching any port of component, as source or
// destination, and returns the removed connections. Validity is not touched.
func (g *ConnectionGraph) Disconnect(component string) []Connection {
	var removed []*edge
	for dst, e := range g.incoming {
		if dst.Component == component || e.conn.Source.Component == component {
			removed = append(removed, e)
		}
	}
	for _, e := range removed {
		g.removeEdge(e)
	}
	return sortedConnections(removed)
}

// DisconnectInput removes the single edge feeding dst.
func (g *ConnectionGraph) DisconnectInput(dst PortRef) (Connection, error) {
	e, ok := g.incoming[dst]
	if !ok {
		return Connection{}, NewPermanentError(fmt.Sprintf("%s is not connected", dst), nil).
			WithCode(ErrCodeNotFound).WithResource(dst.String()).WithOperation("disconnect")
	}
	g.removeEdge(e)
	return e.conn, nil
}

func (g *ConnectionGraph) removeEdge(e *edge) {
	delete(g.incoming, e.conn.Destination)
	src := e.conn.Source
	edges := g.outgoing[src]
	for i, candidate := range edges {
		if candidate == e {
			edges = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	if len(edges) == 0 {
		delete(g.outgoing, src)
	} else {
		g.outgoing[src] = edges
	}
}

// Incoming returns the connection feeding dst, if any.
func (g *ConnectionGraph) Incoming(dst PortRef) (Connection, bool) {
	e, ok := g.incoming[dst]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

// Outgoing returns the connections leaving src in creation order.
func (g *ConnectionGraph) Outgoing(src PortRef) []Connection {
	edges := g.outgoing[src]
	out := make([]Connection, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.conn)
	}
	return out
}

// HasOutgoing reports whether src has at least one outgoing edge.
func (g *ConnectionGraph) HasOutgoing(src PortRef) bool {
	return len(g.outgoing[src]) > 0
}

// Connections returns all connections in creation order.
func (g *ConnectionGraph) Connections() []Connection {
	all := make([]*edge, 0, len(g.incoming))
	for _, e := range g.incoming {
		all = append(all, e)
	}
	return sortedConnections(all)
}

// Len returns the number of connections.
func (g *ConnectionGraph) Len() int {
	return len(g.incoming)
}

// needsPropagation reports whether the edge into dst has never delivered a value.
func (g *ConnectionGraph) needsPropagation(dst PortRef) bool {
	e, ok := g.incoming[dst]
	return ok && !e.propagated
}

// markPropagated records that the edge into dst delivered its source value.
func (g *ConnectionGraph) markPropagated(dst PortRef) {
	if e, ok := g.incoming[dst]; ok {
		e.propagated = true
	}
}

func sortedConnections(edges []*edge) []Connection {
	sort.Slice(edges, func(i, j int) bool { return edges[i].seq < edges[j].seq })
	out := make([]Connection, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.conn)
	}
	return out
}
