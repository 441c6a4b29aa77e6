package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type lifecyclePlugin struct {
	events *[]string
	name   string
}

func (p *lifecyclePlugin) Initialize(ctx context.Context) error {
	*p.events = append(*p.events, "init "+p.name)
	return nil
}

func (p *lifecyclePlugin) Shutdown(ctx context.Context) error {
	*p.events = append(*p.events, "shutdown "+p.name)
	return nil
}

func (p *lifecyclePlugin) Ping() string { return "pong" }

func TestApp_LoadWorkflowsDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.json":   `{"id":"a","name":"A","steps":[]}`,
		"b.yaml":   "id: b\nname: B\nsteps: []\n",
		"notes.md": "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	app := NewApp(nil, nil, nil)
	if err := app.LoadWorkflowsDir(dir); err != nil {
		t.Fatalf("LoadWorkflowsDir failed: %v", err)
	}

	defs, _ := app.ListWorkflows(context.Background())
	if len(defs) != 2 || defs[0].ID != "a" || defs[1].ID != "b" {
		t.Fatalf("Unexpected workflows: %v", defs)
	}
	if _, err := app.GetWorkflow(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestApp_LoadWorkflowsDirRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"id":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewApp(nil, nil, nil).LoadWorkflowsDir(dir); !errors.Is(err, ErrParsing) {
		t.Errorf("Expected ParsingError, got %v", err)
	}
}

func TestApp_PluginLifecycle(t *testing.T) {
	var events []string
	app := NewApp(nil, nil, nil)

	for _, name := range []string{"first", "second"} {
		if err := app.RegisterPlugin(context.Background(), name, &lifecyclePlugin{events: &events, name: name}); err != nil {
			t.Fatalf("RegisterPlugin(%s) failed: %v", name, err)
		}
	}
	if _, ok := app.Functions.Lookup("first.ping"); !ok {
		t.Error("Expected first.ping to be registered")
	}
	if _, ok := app.Functions.Lookup("first.initialize"); ok {
		t.Error("Expected lifecycle methods not to be registered")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"init first", "init second", "shutdown second", "shutdown first"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events = %v, want %v", events, want)
			break
		}
	}
}
