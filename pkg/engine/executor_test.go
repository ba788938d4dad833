package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zclconf/go-cty/cty"
)

// newPlusComponent builds a component with input a and outputs x, y, z
// computed as a+1, a+2, a+3, but only for connected outputs.
func newPlusComponent(t *testing.T, name string) *Component {
	t.Helper()

	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("a", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("x", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("y", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("z", cty.Number, cty.NilVal))

	offsets := map[string]float64{"x": 1, "y": 2, "z": 3}
	c, err := NewComponent(name, reg, ComputeFunc(func(_ context.Context, p *Pass) error {
		a, err := p.Float("a")
		if err != nil {
			return err
		}
		for _, out := range p.Connected() {
			off, ok := offsets[out]
			if !ok {
				continue
			}
			if err := p.SetFloat(out, a+off); err != nil {
				return err
			}
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("failed to create component: %v", err)
	}
	return c
}

// newBrokenComponent has the same ports but always writes only x = 10.
func newBrokenComponent(t *testing.T, name string) *Component {
	t.Helper()

	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("a", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("x", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("y", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("z", cty.Number, cty.NilVal))

	c, err := NewComponent(name, reg, ComputeFunc(func(_ context.Context, p *Pass) error {
		return p.SetFloat("x", 10)
	}))
	if err != nil {
		t.Fatalf("failed to create component: %v", err)
	}
	return c
}

// newSinkComponent has inputs i1, i2, i3 and no outputs.
func newSinkComponent(t *testing.T, name string) *Component {
	t.Helper()

	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("i1", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddInput("i2", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddInput("i3", cty.Number, cty.NilVal))

	c, err := NewComponent(name, reg, ComputeFunc(func(context.Context, *Pass) error { return nil }))
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	return c
}

func mustAdd(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed to add port: %v", err)
	}
}

func newTestModel(t *testing.T, source *Component) *Model {
	t.Helper()

	m := NewModel("test")
	if err := m.Add(source); err != nil {
		t.Fatalf("failed to add %s: %v", source.Name(), err)
	}
	if err := m.Add(newSinkComponent(t, "s")); err != nil {
		t.Fatalf("failed to add sink: %v", err)
	}
	return m
}

func mustConnect(t *testing.T, m *Model, src, dst string) {
	t.Helper()
	if err := m.Connect(src, dst); err != nil {
		t.Fatalf("connect %s -> %s failed: %v", src, dst, err)
	}
}

func mustSet(t *testing.T, m *Model, path string, v float64) {
	t.Helper()
	if err := m.SetGo(path, v); err != nil {
		t.Fatalf("set %s failed: %v", path, err)
	}
}

func mustRun(t *testing.T, m *Model) []*PassResult {
	t.Helper()
	results, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return results
}

// expectPort checks the value and validity of a number port.
func expectPort(t *testing.T, m *Model, path string, want float64, wantValid bool) {
	t.Helper()

	got, err := m.GetFloat(path)
	if err != nil {
		t.Fatalf("get %s failed: %v", path, err)
	}
	if got != want {
		t.Errorf("%s = %v, want %v", path, got, want)
	}
	valid, err := m.IsValid(path)
	if err != nil {
		t.Fatalf("validity of %s failed: %v", path, err)
	}
	if valid != wantValid {
		t.Errorf("%s valid = %v, want %v", path, valid, wantValid)
	}
}

func TestRun_AllOutputsConnected(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustConnect(t, m, "t.y", "s.i2")
	mustConnect(t, m, "t.z", "s.i3")
	mustSet(t, m, "t.a", 1)

	mustRun(t, m)

	expectPort(t, m, "t.x", 2, true)
	expectPort(t, m, "t.y", 3, true)
	expectPort(t, m, "t.z", 4, true)
	expectPort(t, m, "s.i1", 2, true)
	expectPort(t, m, "s.i2", 3, true)
	expectPort(t, m, "s.i3", 4, true)
}

func TestRun_PartialConnectionThenReconnectSubset(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustConnect(t, m, "t.y", "s.i2")
	mustSet(t, m, "t.a", 1)

	mustRun(t, m)

	expectPort(t, m, "t.x", 2, true)
	expectPort(t, m, "t.y", 3, true)
	expectPort(t, m, "t.z", 0, false)

	if err := m.Disconnect("t"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if m.Graph().Len() != 0 {
		t.Fatalf("expected no connections after disconnect, got %d", m.Graph().Len())
	}
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 2)

	mustRun(t, m)

	expectPort(t, m, "t.x", 3, true)
	expectPort(t, m, "t.y", 3, false)
	expectPort(t, m, "t.z", 0, false)
	expectPort(t, m, "s.i1", 3, true)
}

func TestRun_NewConnectionForcesCompute(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 1)

	mustRun(t, m)

	expectPort(t, m, "t.x", 2, true)
	expectPort(t, m, "t.y", 0, false)
	expectPort(t, m, "t.z", 0, false)

	mustConnect(t, m, "t.y", "s.i2")
	results := mustRun(t, m)

	expectPort(t, m, "t.x", 2, true)
	expectPort(t, m, "t.y", 3, true)
	expectPort(t, m, "t.z", 0, false)
	expectPort(t, m, "s.i2", 3, true)

	tc, _ := m.Component("t")
	if tc.Invocations() != 2 {
		t.Errorf("expected 2 compute passes of t, got %d", tc.Invocations())
	}
	if results[0].Skipped {
		t.Error("expected t to compute after the new connection")
	}
}

func TestRun_BrokenComponentRaisesForConnectedOutput(t *testing.T) {
	m := newTestModel(t, newBrokenComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 1)

	mustRun(t, m)

	expectPort(t, m, "t.x", 10, true)
	expectPort(t, m, "t.y", 0, false)
	expectPort(t, m, "t.z", 0, false)

	mustConnect(t, m, "t.y", "s.i2")
	mustSet(t, m, "t.a", 2)

	results, err := m.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for connected output that was not computed")
	}
	if !IsConnectedOutputNotComputed(err) {
		t.Fatalf("expected ConnectedOutputNotComputed, got: %v", err)
	}
	want := "t (pass 2): output 'y' is connected to something in your model, but was not calculated during execution"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("unexpected message: %v", err)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *EngineError, got %T", err)
	}
	if engineErr.Details["output"] != "y" || engineErr.Details["invocation"] != 2 {
		t.Errorf("unexpected details: %v", engineErr.Details)
	}
	if IsRetryable(err) {
		t.Error("postcondition violation must not be retryable")
	}

	// The workflow halts: the sink never ran.
	if len(results) != 1 {
		t.Errorf("expected 1 pass result, got %d", len(results))
	}
	if results[0].State != PassStateError {
		t.Errorf("expected error state, got %s", results[0].State)
	}

	// x was written before the failure and is not rolled back.
	expectPort(t, m, "t.x", 10, true)
	// Inputs stay invalid after a failed pass.
	valid, _ := m.IsValid("t.a")
	if valid {
		t.Error("expected t.a to stay invalid after a failed pass")
	}
}

func TestRun_DynamicOutputMustBeComputed(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 1)
	mustRun(t, m)

	if err := m.AddPort("t", PortSpec{Name: "w", Direction: DirectionOut, Type: cty.Number}); err != nil {
		t.Fatalf("failed to add output: %v", err)
	}
	if err := m.AddPort("s", PortSpec{Name: "i4", Direction: DirectionIn, Type: cty.Number}); err != nil {
		t.Fatalf("failed to add input: %v", err)
	}
	expectPort(t, m, "t.w", 0, false)

	tc, _ := m.Component("t")
	if !tc.Registry().Sealed() {
		t.Error("expected registry to be sealed again after adding a port")
	}

	mustConnect(t, m, "t.w", "s.i4")
	_, err := m.Run(context.Background())
	if !IsConnectedOutputNotComputed(err) {
		t.Fatalf("expected ConnectedOutputNotComputed, got: %v", err)
	}
	if !strings.Contains(err.Error(), "output 'w'") {
		t.Errorf("expected error to name w, got: %v", err)
	}
}

func TestRun_SkipsWhenNothingStale(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 1)
	mustRun(t, m)

	results := mustRun(t, m)
	for _, r := range results {
		if !r.Skipped {
			t.Errorf("expected %s to be skipped", r.Component)
		}
		if r.State != PassStateDone {
			t.Errorf("expected done state for %s, got %s", r.Component, r.State)
		}
	}

	tc, _ := m.Component("t")
	if tc.Invocations() != 1 {
		t.Errorf("expected 1 compute pass, got %d", tc.Invocations())
	}
}

func TestRun_SetSameValueStillRecomputes(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 1)
	mustRun(t, m)

	mustSet(t, m, "t.a", 1)
	valid, _ := m.IsValid("s.i1")
	if valid {
		t.Error("expected s.i1 to be invalidated by set")
	}

	mustRun(t, m)
	tc, _ := m.Component("t")
	if tc.Invocations() != 2 {
		t.Errorf("expected 2 compute passes, got %d", tc.Invocations())
	}
}

func TestRun_UnconnectedOutputKeepsStateWithoutInputChange(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustConnect(t, m, "t.z", "s.i3")
	mustSet(t, m, "t.a", 1)
	mustRun(t, m)

	if err := m.DisconnectInput("s.i3"); err != nil {
		t.Fatalf("disconnect input failed: %v", err)
	}
	mustRun(t, m)

	// z is no longer connected but keeps its value and validity.
	expectPort(t, m, "t.z", 4, true)

	// Reconnecting a valid output does not force a compute.
	mustConnect(t, m, "t.z", "s.i3")
	results := mustRun(t, m)
	if !results[0].Skipped {
		t.Error("expected t to be skipped when reconnecting a valid output")
	}
	expectPort(t, m, "s.i3", 4, true)
}

func TestRun_ComputeErrorIsWrapped(t *testing.T) {
	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("a", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("x", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("y", cty.Number, cty.NilVal))

	boom := errors.New("boom")
	c, err := NewComponent("f", reg, ComputeFunc(func(_ context.Context, p *Pass) error {
		if err := p.SetFloat("x", 1); err != nil {
			return err
		}
		return boom
	}))
	if err != nil {
		t.Fatalf("failed to create component: %v", err)
	}

	m := NewModel("test")
	if err := m.Add(c); err != nil {
		t.Fatal(err)
	}
	mustSet(t, m, "f.a", 1)
	_, err = m.RunComponent(context.Background(), "f")
	if !IsCode(err, ErrCodeComputeFailed) {
		t.Fatalf("expected compute failure, got: %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected the compute error to be wrapped")
	}
	valid, _ := m.IsValid("f.x")
	if !valid {
		t.Error("expected x to stay valid after the failed pass")
	}
}

func TestRun_FailedPassIsRetried(t *testing.T) {
	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("a", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddOutput("x", cty.Number, cty.NilVal))

	calls := 0
	c, err := NewComponent("t", reg, ComputeFunc(func(_ context.Context, p *Pass) error {
		calls++
		if calls == 1 {
			return errors.New("flaky")
		}
		a, err := p.Float("a")
		if err != nil {
			return err
		}
		return p.SetFloat("x", a*10)
	}))
	if err != nil {
		t.Fatalf("failed to create component: %v", err)
	}

	m := newTestModel(t, c)
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 4)

	results, err := m.Run(context.Background())
	if !IsCode(err, ErrCodeComputeFailed) {
		t.Fatalf("expected compute failure, got: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected the workflow to halt at t, got %d results", len(results))
	}
	if valid, _ := m.IsValid("t.a"); valid {
		t.Error("expected t.a to stay invalid after the failed pass")
	}
	if valid, _ := m.IsValid("t.x"); valid {
		t.Error("expected t.x to stay invalid after the failed pass")
	}
	if _, err := m.RunComponent(context.Background(), "s"); !IsCode(err, ErrCodeUpstreamInvalid) {
		t.Errorf("expected the sink to refuse the failed output, got: %v", err)
	}

	results = mustRun(t, m)
	if results[0].Skipped || results[0].Invocation != 2 {
		t.Errorf("expected t to compute again, got %+v", results[0])
	}
	expectPort(t, m, "t.x", 40, true)
	expectPort(t, m, "s.i1", 40, true)
}

func TestRun_UpstreamInvalid(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")

	// Running the sink before its source is a workflow error.
	_, err := m.RunComponent(context.Background(), "s")
	if !IsCode(err, ErrCodeUpstreamInvalid) {
		t.Fatalf("expected upstream invalid error, got: %v", err)
	}
}

func TestRun_PassResultFields(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustConnect(t, m, "t.y", "s.i2")
	mustSet(t, m, "t.a", 5)

	results := mustRun(t, m)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	r := results[0]
	if r.Component != "t" || r.Invocation != 1 || r.ID == "" {
		t.Errorf("unexpected result: %+v", r)
	}
	if strings.Join(r.Connected, ",") != "x,y" {
		t.Errorf("connected = %v, want [x y]", r.Connected)
	}
	if strings.Join(r.Computed, ",") != "x,y" {
		t.Errorf("computed = %v, want [x y]", r.Computed)
	}
	if r.Outcome() != "computed" {
		t.Errorf("outcome = %s, want computed", r.Outcome())
	}
	// Set already invalidated the sink inputs, so pulling flips nothing.
	if results[1].Invalidated != 0 {
		t.Errorf("expected sink pull to flip nothing, got %d", results[1].Invalidated)
	}
	if results[1].Invocation != 1 {
		t.Errorf("expected sink to compute once, got %d", results[1].Invocation)
	}
}

func TestModel_SetConnectedInputFails(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")

	err := m.SetGo("s.i1", 3)
	if !IsCode(err, ErrCodeValidation) {
		t.Fatalf("expected validation error, got: %v", err)
	}
	if err := m.SetGo("t.x", 3); !IsCode(err, ErrCodeValidation) {
		t.Fatalf("expected validation error setting an output, got: %v", err)
	}
	if err := m.SetGo("t.nope", 3); !IsCode(err, ErrCodeNotFound) {
		t.Fatalf("expected not found, got: %v", err)
	}
	if err := m.SetGo("t.a", "abc"); !IsCode(err, ErrCodeValidation) {
		t.Fatalf("expected conversion error, got: %v", err)
	}
}

func TestModel_AddDuplicateComponent(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	err := m.Add(newPlusComponent(t, "t"))
	if !IsCode(err, ErrCodeAlreadyExists) {
		t.Fatalf("expected already exists error, got: %v", err)
	}
}

func TestModel_RemoveComponent(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")

	if err := m.Remove("t"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if m.Graph().Len() != 0 {
		t.Errorf("expected connections to be removed, got %d", m.Graph().Len())
	}
	if _, ok := m.Component("t"); ok {
		t.Error("expected t to be gone")
	}
	if err := m.Remove("t"); !IsCode(err, ErrCodeNotFound) {
		t.Errorf("expected not found, got: %v", err)
	}
}

func TestModel_Status(t *testing.T) {
	m := newTestModel(t, newPlusComponent(t, "t"))
	mustConnect(t, m, "t.x", "s.i1")
	mustSet(t, m, "t.a", 1)
	mustRun(t, m)

	byPath := make(map[string]PortStatus)
	for _, st := range m.Status() {
		byPath[st.Path] = st
	}
	x := byPath["t.x"]
	if !x.Valid || !x.Connected || x.Value != float64(2) || x.Type != "number" {
		t.Errorf("unexpected status for t.x: %+v", x)
	}
	if byPath["t.y"].Connected {
		t.Error("t.y should not be connected")
	}
	if !byPath["s.i1"].Connected {
		t.Error("s.i1 should be connected")
	}
}
