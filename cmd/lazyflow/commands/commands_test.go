package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lazyflow/lazyflow/pkg/stores"
)

const modelYAML = `
name: cli
components:
  - name: t
    kind: script
    inputs:  [{name: a, type: number, default: 1}]
    outputs: [{name: x, type: number}]
    script: "x = a + 1"
  - name: s
    kind: sink
    inputs: [{name: i, type: number}]
connections:
  - {from: t.x, to: s.i}
`

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func writeModel(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "model.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeModel(t, dir, modelYAML)
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("name: bad\ncomponents:\n  - {name: t, kind: nope}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "validate", "--plugins", filepath.Join(dir, "plugins"), good); err != nil {
		t.Errorf("Expected valid model, got: %v", err)
	}
	err := execute(t, "validate", "--plugins", filepath.Join(dir, "plugins"), good, bad)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("Expected one failure, got: %v", err)
	}
}

func TestRunCommand_Journal(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir, modelYAML)
	journal := filepath.Join(dir, "runs.db")

	err := execute(t, "run", model,
		"--plugins", filepath.Join(dir, "plugins"),
		"--set", "t.a=41",
		"--times", "2",
		"--journal", journal,
	)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	store, err := openJournal(context.Background(), journal)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), "cli", 0, 0)
	if err != nil || len(runs) != 2 {
		t.Fatalf("Expected 2 journaled runs, got %d (%v)", len(runs), err)
	}
	passes, _ := store.ListPasses(context.Background(), stores.PassFilter{Model: "cli"})
	if len(passes) != 4 {
		t.Fatalf("Expected 4 journaled passes, got %d", len(passes))
	}
	if passes[0].Outcome != "computed" || passes[2].Outcome != "skipped" {
		t.Errorf("Expected computed then skipped passes, got %s and %s", passes[0].Outcome, passes[2].Outcome)
	}

	if err := execute(t, "history", "--journal", journal); err != nil {
		t.Errorf("history failed: %v", err)
	}
	if err := execute(t, "history", "--journal", journal, "--component", "t"); err != nil {
		t.Errorf("history of passes failed: %v", err)
	}
}

func TestRunCommand_BadSet(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir, modelYAML)

	if err := execute(t, "run", model, "--plugins", dir, "--set", "t.a"); err == nil {
		t.Error("Expected malformed --set to fail")
	}
	if err := execute(t, "run", model, "--plugins", dir, "--set", "s.i=3"); err == nil {
		t.Error("Expected set on connected input to fail")
	}
}

func TestGraphCommand(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir, modelYAML)
	out := filepath.Join(dir, "model.dot")

	if err := execute(t, "graph", model, "--plugins", dir, "--run", "--out", out); err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	dot, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(dot), `digraph "cli"`) {
		t.Errorf("unexpected DOT output:\n%s", dot)
	}
}

func TestExecCommand(t *testing.T) {
	dir := t.TempDir()

	if err := execute(t, "exec", "--dir", dir, "--stdout", "out.txt", "--", "echo", "hello"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || strings.TrimSpace(string(data)) != "hello" {
		t.Errorf("Expected hello in out.txt, got %q (%v)", data, err)
	}

	if err := execute(t, "exec", "--dir", dir, "--", "exit 3"); err == nil {
		t.Error("Expected non-zero exit to fail")
	}
}

func TestPluginCommands(t *testing.T) {
	dir := t.TempDir()
	installed := filepath.Join(dir, "installed")

	if err := execute(t, "plugin", "quickstart", "doubler", "-d", dir); err != nil {
		t.Fatalf("quickstart failed: %v", err)
	}
	src := filepath.Join(dir, "doubler")
	if err := execute(t, "plugin", "makedist", src, dir); err != nil {
		t.Fatalf("makedist failed: %v", err)
	}
	dist := filepath.Join(dir, "doubler-0.1.tar.gz")
	if err := execute(t, "plugin", "install", dist, "--plugins", installed); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := execute(t, "plugin", "list", "--plugins", installed, "-g", "component"); err != nil {
		t.Errorf("list failed: %v", err)
	}
	if err := execute(t, "plugin", "docs", "doubler", "--plugins", installed); err != nil {
		t.Errorf("docs failed: %v", err)
	}

	// The plugin's own test model runs with the installed kind.
	testModel := filepath.Join(installed, "doubler", "test", "doubler_test.yaml")
	if err := execute(t, "run", testModel, "--plugins", installed); err != nil {
		t.Errorf("running plugin test model failed: %v", err)
	}

	if err := execute(t, "plugin", "docs", "nope", "--plugins", installed); err == nil {
		t.Error("Expected docs of unknown plugin to fail")
	}
}
