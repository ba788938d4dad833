package engine

import (
	"fmt"
	"sort"
	"strings"
)

// WorkflowBuilder derives a run order from a model's connections.
// Components are nodes; a connection from a.x to b.y is an edge a -> b.
// Components on the same level do not feed each other.
type WorkflowBuilder struct {
	// index maps component names to insertion position, used to break ties
	index map[string]int

	// adjacencyList maps a component to the components it feeds
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a component to the components feeding it
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of distinct upstream components
	inDegree map[string]int

	// levels holds component names per topological level
	levels [][]string
}

// NewWorkflowBuilder creates a new builder.
func NewWorkflowBuilder() *WorkflowBuilder {
	return &WorkflowBuilder{
		index:                make(map[string]int),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// Build indexes the model, detects cycles and computes levels.
func (b *WorkflowBuilder) Build(m *Model) error {
	b.initialize(m)

	if err := b.detectCycles(); err != nil {
		return err
	}
	return b.computeLevels()
}

// Order builds the model graph and returns components in run order.
func (b *WorkflowBuilder) Order(m *Model) ([]string, error) {
	if err := b.Build(m); err != nil {
		return nil, err
	}
	order := make([]string, 0, len(b.index))
	for _, level := range b.levels {
		order = append(order, level...)
	}
	return order, nil
}

// initialize sets up the internal data structures from the model.
func (b *WorkflowBuilder) initialize(m *Model) {
	for i, name := range m.Components() {
		b.index[name] = i
		b.adjacencyList[name] = make([]string, 0)
		b.reverseAdjacencyList[name] = make([]string, 0)
		b.inDegree[name] = 0
	}

	seen := make(map[[2]string]bool)
	for _, conn := range m.Graph().Connections() {
		from, to := conn.Source.Component, conn.Destination.Component
		key := [2]string{from, to}
		if seen[key] {
			continue
		}
		seen[key] = true
		b.adjacencyList[from] = append(b.adjacencyList[from], to)
		b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
		b.inDegree[to]++
	}
}

// detectCycles uses depth-first search to detect feedback loops.
func (b *WorkflowBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sorted(keys(b.index)) {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("cycle detected: %s", formatCycle(cycle)), nil,
				).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
			}
		}
	}
	return nil
}

// detectCyclesUtil returns the cycle path if one is reachable from nodeID.
func (b *WorkflowBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm.
func (b *WorkflowBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processed := 0
	for len(currentLevel) > 0 {
		currentLevel = b.sorted(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if processed != len(b.index) {
		return NewPermanentError("failed to order all components - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// Levels returns the computed levels.
func (b *WorkflowBuilder) Levels() [][]string {
	return b.levels
}

// Upstream returns the components feeding name.
func (b *WorkflowBuilder) Upstream(name string) []string {
	return b.reverseAdjacencyList[name]
}

// sorted orders names by model insertion position.
func (b *WorkflowBuilder) sorted(names []string) []string {
	sort.Slice(names, func(i, j int) bool { return b.index[names[i]] < b.index[names[j]] })
	return names
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ToDOT renders the model for Graphviz: one cluster per component, ports
// coloured by validity, edges solid when the source is valid and dashed otherwise.
func ToDOT(m *Model) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", m.Name()))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for _, name := range m.Components() {
		c, _ := m.Component(name)
		sb.WriteString(fmt.Sprintf("  subgraph \"cluster_%s\" {\n", name))
		label := name
		if c.Kind() != "" {
			label = fmt.Sprintf("%s (%s)", name, c.Kind())
		}
		sb.WriteString(fmt.Sprintf("    label=%q;\n", label))
		sb.WriteString("    style=dashed;\n")
		for _, st := range m.ComponentStatus(name) {
			shape := "box"
			if st.Direction == DirectionOut {
				shape = "ellipse"
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%v\", shape=%s, fillcolor=%q];\n",
				st.Path, st.Path[len(name)+1:], formatStatusValue(st.Value), shape, getValidityColor(st.Valid)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, conn := range m.Graph().Connections() {
		style := "style=solid, color=black"
		if !m.Tracker().IsValid(conn.Source) {
			style = "style=dashed, color=red"
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", conn.Source.String(), conn.Destination.String(), style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatStatusValue(v interface{}) string {
	switch g := v.(type) {
	case nil:
		return "null"
	case float64:
		return fmt.Sprintf("%g", g)
	case string:
		return strings.ReplaceAll(g, `"`, `\"`)
	default:
		return fmt.Sprintf("%v", g)
	}
}

// getValidityColor returns a fill color for a validity flag.
func getValidityColor(valid bool) string {
	if valid {
		return "lightgreen"
	}
	return "lightcoral"
}
