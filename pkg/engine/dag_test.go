package engine

import (
	"strings"
	"testing"
)

func TestWorkflowBuilder_EmptyModel(t *testing.T) {
	order, err := NewWorkflowBuilder().Order(NewModel("empty"))
	if err != nil {
		t.Fatalf("Expected no error for empty model, got: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Expected empty order, got %v", order)
	}
}

func TestWorkflowBuilder_OrderFollowsConnections(t *testing.T) {
	m := NewModel("test")
	// Insert downstream first so insertion order alone would be wrong.
	if err := m.Add(newSinkComponent(t, "s")); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"c", "b", "a"} {
		if err := m.Add(newRelayComponent(t, name)); err != nil {
			t.Fatal(err)
		}
	}
	mustConnect(t, m, "a.out", "b.in")
	mustConnect(t, m, "b.out", "c.in")
	mustConnect(t, m, "c.out", "s.i1")

	order, err := m.Workflow()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := strings.Join(order, ","); got != "a,b,c,s" {
		t.Errorf("Expected order a,b,c,s, got %s", got)
	}
}

func TestWorkflowBuilder_Levels(t *testing.T) {
	m := NewModel("test")
	for _, name := range []string{"a", "b"} {
		if err := m.Add(newPlusComponent(t, name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Add(newSinkComponent(t, "s")); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, m, "a.x", "s.i1")
	mustConnect(t, m, "a.y", "s.i2")
	mustConnect(t, m, "b.x", "s.i3")

	builder := NewWorkflowBuilder()
	if err := builder.Build(m); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := builder.Levels()
	if len(levels) != 2 {
		t.Fatalf("Expected 2 levels, got %d", len(levels))
	}
	if strings.Join(levels[0], ",") != "a,b" {
		t.Errorf("Expected level 0 to be a,b, got %v", levels[0])
	}
	if strings.Join(levels[1], ",") != "s" {
		t.Errorf("Expected level 1 to be s, got %v", levels[1])
	}
	if up := builder.Upstream("s"); len(up) != 2 {
		t.Errorf("Expected 2 distinct upstream components, got %v", up)
	}
}

func TestWorkflowBuilder_CycleDetected(t *testing.T) {
	m := newChainModel(t, "a", "b", "c")
	mustConnect(t, m, "c.out", "a.in")

	_, err := NewWorkflowBuilder().Order(m)
	if !IsCode(err, ErrCodeCycle) {
		t.Fatalf("Expected cycle error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
}

func TestModel_ExplicitWorkflow(t *testing.T) {
	m := newChainModel(t, "a", "b")
	if err := m.SetWorkflow("b", "a"); err != nil {
		t.Fatal(err)
	}
	order, _ := m.Workflow()
	if strings.Join(order, ",") != "b,a" {
		t.Errorf("Expected explicit order b,a, got %v", order)
	}
	if err := m.SetWorkflow("nope"); !IsCode(err, ErrCodeNotFound) {
		t.Errorf("Expected not found, got: %v", err)
	}
}

func TestToDOT(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustConnect(t, m, "t.y", "s.i2")
	mustSet(t, m, "t.a", 1)
	mustRun(t, m)
	mustSet(t, m, "t.a", 2)

	dot := ToDOT(m)

	for _, want := range []string{
		`digraph "test"`,
		`subgraph "cluster_t"`,
		`"t.x" [label="x\n2", shape=ellipse, fillcolor="lightcoral"]`,
		`"s.i3" [label="i3\n0", shape=box, fillcolor="lightgreen"]`,
		`"t.x" -> "s.i1" [style=dashed, color=red]`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %s\n%s", want, dot)
		}
	}
}
