package components

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/lazyflow/lazyflow/pkg/engine"
	"github.com/lazyflow/lazyflow/pkg/extcode"
)

func num(name string) engine.PortSpec {
	return engine.PortSpec{Name: name, Type: cty.Number}
}

func str(name string) engine.PortSpec {
	return engine.PortSpec{Name: name, Type: cty.String}
}

func build(t *testing.T, m *engine.Model, def Definition) *engine.Component {
	t.Helper()
	c, err := NewRegistry().Build(def)
	if err != nil {
		t.Fatalf("failed to build %s: %v", def.Name, err)
	}
	if err := m.Add(c); err != nil {
		t.Fatalf("failed to add %s: %v", def.Name, err)
	}
	return c
}

func connect(t *testing.T, m *engine.Model, src, dst string) {
	t.Helper()
	if err := m.Connect(src, dst); err != nil {
		t.Fatalf("connect %s -> %s: %v", src, dst, err)
	}
}

func getFloat(t *testing.T, m *engine.Model, path string) float64 {
	t.Helper()
	f, err := m.GetFloat(path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return f
}

func isValid(t *testing.T, m *engine.Model, path string) bool {
	t.Helper()
	v, err := m.IsValid(path)
	if err != nil {
		t.Fatalf("validity of %s: %v", path, err)
	}
	return v
}

func TestScript_ComputesConnectedOutputs(t *testing.T) {
	m := engine.NewModel("script")
	build(t, m, Definition{
		Name:    "t",
		Kind:    KindScript,
		Inputs:  []engine.PortSpec{num("a")},
		Outputs: []engine.PortSpec{num("x"), num("y")},
		Script: `
x = a + 1
if "y" in connected:
    y = a * 2
`,
	})
	sink := build(t, m, Definition{
		Name:   "s",
		Kind:   KindSink,
		Inputs: []engine.PortSpec{num("i1"), num("i2")},
	})
	connect(t, m, "t.x", "s.i1")

	if err := m.SetGo("t.a", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := getFloat(t, m, "s.i1"); got != 4 {
		t.Errorf("Expected s.i1 = 4, got %v", got)
	}
	if isValid(t, m, "t.y") {
		t.Error("Expected unconnected t.y to stay invalid")
	}

	connect(t, m, "t.y", "s.i2")
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if got := getFloat(t, m, "s.i2"); got != 6 {
		t.Errorf("Expected s.i2 = 6, got %v", got)
	}

	s, ok := SinkOf(sink)
	if !ok {
		t.Fatal("Expected sink computer")
	}
	if s.Passes() != 2 {
		t.Errorf("Expected 2 sink passes, got %d", s.Passes())
	}
	if !s.Received()["i2"].Equals(cty.NumberIntVal(6)).True() {
		t.Errorf("unexpected received values: %v", s.Received())
	}
}

func TestScript_StringAndBool(t *testing.T) {
	m := engine.NewModel("types")
	build(t, m, Definition{
		Name: "g",
		Kind: KindScript,
		Inputs: []engine.PortSpec{
			{Name: "who", Type: cty.String, Default: cty.StringVal("world")},
			{Name: "loud", Type: cty.Bool},
		},
		Outputs: []engine.PortSpec{str("greeting"), {Name: "quiet", Type: cty.Bool}},
		Script: `
greeting = "hello " + who
if loud:
    greeting = greeting.upper()
quiet = not loud
`,
	})
	build(t, m, Definition{
		Name:   "s",
		Kind:   KindSink,
		Inputs: []engine.PortSpec{str("text"), {Name: "flag", Type: cty.Bool}},
	})
	connect(t, m, "g.greeting", "s.text")
	connect(t, m, "g.quiet", "s.flag")

	if err := m.SetGo("g.loud", true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	text, _ := m.Get("s.text")
	if text.AsString() != "HELLO WORLD" {
		t.Errorf("unexpected greeting %q", text.AsString())
	}
	flag, _ := m.Get("s.flag")
	if flag.True() {
		t.Error("Expected quiet = false")
	}
}

func TestScript_Timeout(t *testing.T) {
	m := engine.NewModel("slow")
	build(t, m, Definition{
		Name:    "loop",
		Kind:    KindScript,
		Outputs: []engine.PortSpec{num("x")},
		Script: `
n = 0
while True:
    n += 1
`,
		Timeout: 100 * time.Millisecond,
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("i")}})
	connect(t, m, "loop.x", "s.i")

	_, err := m.Run(context.Background())
	if !engine.IsCode(err, engine.ErrCodeComputeFailed) {
		t.Fatalf("Expected compute failure, got: %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout in message, got: %v", err)
	}
}

func TestScript_UnsupportedOutputValue(t *testing.T) {
	m := engine.NewModel("bad")
	build(t, m, Definition{
		Name:    "t",
		Kind:    KindScript,
		Outputs: []engine.PortSpec{num("x")},
		Script:  "x = [1, 2]",
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("i")}})
	connect(t, m, "t.x", "s.i")

	_, err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "output x") {
		t.Fatalf("Expected conversion error for x, got: %v", err)
	}
}

func TestScript_MissingConnectedOutput(t *testing.T) {
	m := engine.NewModel("missing")
	build(t, m, Definition{
		Name:    "t",
		Kind:    KindScript,
		Outputs: []engine.PortSpec{num("x"), num("y")},
		Script:  "x = 1",
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("i")}})
	connect(t, m, "t.y", "s.i")

	_, err := m.Run(context.Background())
	if !engine.IsConnectedOutputNotComputed(err) {
		t.Fatalf("Expected ConnectedOutputNotComputed, got: %v", err)
	}
}

func TestNewScript_Rejects(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		code string
	}{
		{"empty script", Definition{Name: "a", Kind: KindScript}, engine.ErrCodeValidation},
		{"syntax error", Definition{Name: "a", Kind: KindScript, Script: "x = ("}, engine.ErrCodeValidation},
		{"sink with outputs", Definition{Name: "a", Kind: KindSink, Outputs: []engine.PortSpec{num("x")}}, engine.ErrCodeValidation},
		{"unknown kind", Definition{Name: "a", Kind: "nope"}, engine.ErrCodeNotFound},
		{"extcode without command", Definition{Name: "a", Kind: KindExtcode}, engine.ErrCodeNullCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().Build(tt.def)
			if !engine.IsCode(err, tt.code) {
				t.Errorf("Expected %s, got: %v", tt.code, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	kinds := r.Kinds()
	if len(kinds) != 3 || kinds[0].Name != KindExtcode || kinds[2].Name != KindSink {
		t.Fatalf("unexpected builtin kinds: %+v", kinds)
	}

	err := r.Register(Kind{Name: KindScript, New: NewSink})
	if !engine.IsCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("Expected builtin replacement to fail, got: %v", err)
	}

	if err := r.Register(Kind{Name: "double", New: func(def Definition) (*engine.Component, error) {
		def.Script = "y = x * 2"
		return NewScript(def)
	}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	c, err := r.Build(Definition{
		Name:    "d",
		Kind:    "double",
		Inputs:  []engine.PortSpec{num("x")},
		Outputs: []engine.PortSpec{num("y")},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if c.Kind() != "double" {
		t.Errorf("Expected kind double, got %s", c.Kind())
	}
}

func newSandbox(t *testing.T) *extcode.Sandbox {
	t.Helper()
	sb, err := extcode.NewSandbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func TestExternalCode_PassesInputsAndCapturesOutput(t *testing.T) {
	m := engine.NewModel("ext")
	ext := build(t, m, Definition{
		Name:    "ext",
		Kind:    KindExtcode,
		Inputs:  []engine.PortSpec{num("a")},
		Outputs: []engine.PortSpec{str("stdout")},
		Command: `test "$LAZYFLOW_A" = 2 && echo ok > result.txt && echo ok`,
		Sandbox: newSandbox(t),
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("rc"), str("out")}})
	connect(t, m, "ext.return_code", "s.rc")
	connect(t, m, "ext.stdout", "s.out")

	if err := m.SetGo("ext.a", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if rc := getFloat(t, m, "s.rc"); rc != 0 {
		t.Errorf("Expected return code 0, got %v", rc)
	}
	out, _ := m.Get("s.out")
	if strings.TrimSpace(out.AsString()) != "ok" {
		t.Errorf("unexpected stdout %q", out.AsString())
	}

	dir := ext.Computer().(*ExternalCode).WorkDir()
	if _, err := os.Stat(filepath.Join(dir, "result.txt")); err != nil {
		t.Errorf("Expected command to run in its sandbox directory: %v", err)
	}
}

func TestExternalCode_NonZeroExitWritesReturnCode(t *testing.T) {
	m := engine.NewModel("ext")
	build(t, m, Definition{
		Name:    "ext",
		Kind:    KindExtcode,
		Command: "exit 3",
		Sandbox: newSandbox(t),
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("rc")}})
	connect(t, m, "ext.return_code", "s.rc")

	_, err := m.Run(context.Background())
	if !engine.IsCode(err, engine.ErrCodeNonZeroExit) {
		t.Fatalf("Expected non-zero exit error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "return_code = 3") {
		t.Errorf("unexpected message: %v", err)
	}
	if rc := getFloat(t, m, "ext.return_code"); rc != 3 {
		t.Errorf("Expected return_code 3, got %v", rc)
	}
	if isValid(t, m, "ext.return_code") {
		t.Error("Expected return_code of a failed run to stay invalid")
	}

	// The failed run is retried rather than handed to the sink.
	results, err := m.Run(context.Background())
	if !engine.IsCode(err, engine.ErrCodeNonZeroExit) {
		t.Fatalf("Expected the retry to fail again, got: %v", err)
	}
	if len(results) != 1 || results[0].Skipped || results[0].Invocation != 2 {
		t.Errorf("Expected ext to run a second time, got %+v", results)
	}
	if _, err := m.RunComponent(context.Background(), "s"); !engine.IsCode(err, engine.ErrCodeUpstreamInvalid) {
		t.Errorf("Expected the sink to refuse the failed return code, got: %v", err)
	}
}

func TestExternalCode_RetrySucceedsAfterFailure(t *testing.T) {
	sb := newSandbox(t)
	m := engine.NewModel("ext")
	// Fails until the marker file exists.
	build(t, m, Definition{
		Name:    "ext",
		Kind:    KindExtcode,
		Command: "test -f ready",
		Sandbox: sb,
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("rc")}})
	connect(t, m, "ext.return_code", "s.rc")

	if _, err := m.Run(context.Background()); !engine.IsCode(err, engine.ErrCodeNonZeroExit) {
		t.Fatalf("Expected non-zero exit error, got: %v", err)
	}
	dir, err := sb.Dir("ext")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ready"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if results[0].Skipped {
		t.Error("Expected ext to run again after its failure")
	}
	if rc := getFloat(t, m, "s.rc"); rc != 0 {
		t.Errorf("Expected s.rc = 0 after the retry, got %v", rc)
	}
	if !isValid(t, m, "s.rc") {
		t.Error("Expected s.rc to be valid after the retry")
	}
}

func TestExternalCode_Timeout(t *testing.T) {
	m := engine.NewModel("ext")
	build(t, m, Definition{
		Name:    "ext",
		Kind:    KindExtcode,
		Command: "sleep 5",
		Timeout: 200 * time.Millisecond,
	})
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{{Name: "late", Type: cty.Bool}}})
	connect(t, m, "ext.timed_out", "s.late")

	_, err := m.Run(context.Background())
	if !engine.IsCode(err, engine.ErrCodeTimeout) {
		t.Fatalf("Expected timeout, got: %v", err)
	}
	timedOut, _ := m.Get("ext.timed_out")
	if !timedOut.True() {
		t.Error("Expected timed_out = true")
	}
}

func TestExternalCode_InstanceDirs(t *testing.T) {
	sb := newSandbox(t)
	m := engine.NewModel("ext")

	var comps []*engine.Component
	for _, name := range []string{"e1", "e2"} {
		comps = append(comps, build(t, m, Definition{
			Name:              name,
			Kind:              KindExtcode,
			Command:           "true",
			WorkDir:           "run",
			CreateInstanceDir: true,
			Sandbox:           sb,
		}))
	}
	build(t, m, Definition{Name: "s", Kind: KindSink, Inputs: []engine.PortSpec{num("r1"), num("r2")}})
	connect(t, m, "e1.return_code", "s.r1")
	connect(t, m, "e2.return_code", "s.r2")

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var dirs []string
	for _, c := range comps {
		dirs = append(dirs, c.Computer().(*ExternalCode).WorkDir())
	}

	if dirs[0] == dirs[1] {
		t.Error("Expected distinct instance directories")
	}
	for _, d := range dirs {
		if !strings.HasPrefix(filepath.Base(d), "run-") {
			t.Errorf("unexpected instance dir %s", d)
		}
	}
}
