package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newDoubler builds a component computing y = 2x when y is consumed.
func newDoubler(t *testing.T, name string) *engine.Component {
	t.Helper()
	reg := engine.NewPortRegistry()
	_ = reg.AddInput("x", cty.Number, cty.NilVal)
	_ = reg.AddOutput("y", cty.Number, cty.NilVal)
	c, err := engine.NewComponent(name, reg, engine.ComputeFunc(func(_ context.Context, p *engine.Pass) error {
		x, err := p.Float("x")
		if err != nil {
			return err
		}
		if x < 0 {
			return errors.New("negative input")
		}
		return p.SetFloat("y", 2*x)
	}))
	if err != nil {
		t.Fatalf("failed to create component: %v", err)
	}
	return c
}

func newSink(t *testing.T, name string) *engine.Component {
	t.Helper()
	reg := engine.NewPortRegistry()
	_ = reg.AddInput("in", cty.Number, cty.NilVal)
	c, err := engine.NewComponent(name, reg, engine.ComputeFunc(func(context.Context, *engine.Pass) error {
		return nil
	}))
	if err != nil {
		t.Fatalf("failed to create component: %v", err)
	}
	return c
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("Expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"model_runs", "passes", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("re-running migrations failed: %v", err)
	}
}

func TestStoreFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected database file: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.StartRun(ctx, "demo", "model.yaml")
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if ok.Status != RunStatusRunning {
		t.Errorf("Expected running status, got %s", ok.Status)
	}
	if err := store.FinishRun(ctx, ok.ID, nil); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	bad, _ := store.StartRun(ctx, "demo", "model.yaml")
	if err := store.FinishRun(ctx, bad.ID, errors.New("boom")); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err := store.GetRun(ctx, ok.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusCompleted || got.CompletedAt == nil || got.Error != nil {
		t.Errorf("unexpected completed run: %+v", got)
	}

	got, _ = store.GetRun(ctx, bad.ID)
	if got.Status != RunStatusFailed || got.Error == nil || *got.Error != "boom" {
		t.Errorf("unexpected failed run: %+v", got)
	}

	runs, err := store.ListRuns(ctx, "demo", 0, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs, _ := store.ListRuns(ctx, "other", 0, 0); len(runs) != 0 {
		t.Errorf("Expected no runs for other model, got %d", len(runs))
	}
	if runs, _ := store.ListRuns(ctx, "", 1, 0); len(runs) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(runs))
	}

	if _, err := store.GetRun(ctx, "missing"); err == nil {
		t.Error("Expected error for missing run")
	}
	if err := store.FinishRun(ctx, "missing", nil); err == nil {
		t.Error("Expected error finishing missing run")
	}
}

func TestRecordPass_FromModelRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := engine.NewModel("journaled", engine.WithRecorder(store))
	if err := m.Add(newDoubler(t, "d")); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(newSink(t, "s")); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect("d.y", "s.in"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetGo("d.x", 4); err != nil {
		t.Fatal(err)
	}

	run, err := store.StartRun(ctx, m.Name(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("model run failed: %v", err)
	}
	// Nothing is stale now, so both passes are skipped.
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("model run failed: %v", err)
	}
	if err := store.FinishRun(ctx, run.ID, nil); err != nil {
		t.Fatal(err)
	}

	passes, err := store.ListPasses(ctx, PassFilter{RunID: run.ID})
	if err != nil {
		t.Fatalf("failed to list passes: %v", err)
	}
	if len(passes) != 4 {
		t.Fatalf("Expected 4 passes, got %d", len(passes))
	}

	first := passes[0]
	if first.Component != "d" || first.Outcome != "computed" || first.Invocation != 1 {
		t.Errorf("unexpected first pass: %+v", first)
	}
	if len(first.Connected) != 1 || first.Connected[0] != "y" {
		t.Errorf("Expected connected [y], got %v", first.Connected)
	}
	if len(first.Computed) != 1 || first.Computed[0] != "y" {
		t.Errorf("Expected computed [y], got %v", first.Computed)
	}
	if first.RunID == nil || *first.RunID != run.ID {
		t.Errorf("Expected pass to be linked to run %s", run.ID)
	}
	for _, p := range passes[2:] {
		if !p.Skipped || p.Outcome != "skipped" {
			t.Errorf("Expected skipped pass, got %+v", p)
		}
	}

	only, _ := store.ListPasses(ctx, PassFilter{Component: "s"})
	if len(only) != 2 {
		t.Errorf("Expected 2 passes of s, got %d", len(only))
	}
}

func TestRecordPass_Failure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := engine.NewModel("failing", engine.WithRecorder(store))
	_ = m.Add(newDoubler(t, "d"))
	_ = m.Add(newSink(t, "s"))
	_ = m.Connect("d.y", "s.in")
	_ = m.SetGo("d.x", -1)

	if _, err := m.Run(ctx); err == nil {
		t.Fatal("Expected run to fail")
	}

	passes, err := store.ListPasses(ctx, PassFilter{Model: "failing", Component: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) != 1 {
		t.Fatalf("Expected 1 pass, got %d", len(passes))
	}
	p := passes[0]
	if p.State != engine.PassStateError || p.Outcome != "error" {
		t.Errorf("unexpected state: %+v", p)
	}
	if p.ErrorCode == nil || *p.ErrorCode != engine.ErrCodeComputeFailed {
		t.Errorf("Expected compute failed code, got %v", p.ErrorCode)
	}
	if p.Error == nil {
		t.Error("Expected error message")
	}
	if p.RunID != nil {
		t.Error("Expected no run outside StartRun/FinishRun")
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, _ := store.StartRun(ctx, "demo", "")
	events := []*engine.Event{
		{Type: engine.EventPassStarted, Model: "demo", Component: "t", Level: "info", Message: "started"},
		{Type: engine.EventPassCompleted, Model: "demo", Component: "t", Level: "info", Message: "done",
			Data: map[string]interface{}{"computed": []interface{}{"x"}}},
		{Type: engine.EventPassStarted, Model: "other", Component: "u", Level: "info", Message: "started"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	got, err := store.GetEvents(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events for run, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("Expected generated ID and timestamp, got %+v", got[0])
	}
	if got[1].Type != engine.EventPassCompleted || got[1].Data["computed"] == nil {
		t.Errorf("unexpected event: %+v", got[1])
	}

	all, _ := store.GetEvents(ctx, "", 0, 0)
	if len(all) != 3 {
		t.Errorf("Expected 3 events, got %d", len(all))
	}
}
