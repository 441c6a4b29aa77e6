package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
)

// App bundles the registries, workflows and plugins a process runs with.
// It is a WorkflowSource backed by memory.
type App struct {
	l         *slog.Logger
	Functions *FunctionRegistry
	Variables *VariableRegistry
	Workflows map[string]*WorkflowDefinition
	plugins   []any
}

func NewApp(l *slog.Logger, functions *FunctionRegistry, variables *VariableRegistry) *App {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if functions == nil {
		functions = NewFunctionRegistry()
	}
	return &App{
		l:         l,
		Functions: functions,
		Variables: variables,
		Workflows: make(map[string]*WorkflowDefinition),
	}
}

// LoadWorkflowsDir registers every *.json, *.yaml and *.yml workflow in dir.
func (a *App) LoadWorkflowsDir(dir string) error {
	var files []string
	for _, pattern := range []string{"*.json", "*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("error reading directory: %w", err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)

	for _, file := range files {
		def, err := LoadWorkflowFile(file)
		if err != nil {
			return fmt.Errorf("error loading workflow %s: %w", file, err)
		}
		a.RegisterWorkflow(def)
		a.l.Info(fmt.Sprintf("Loaded workflow: %s", def.ID), "file", file)
	}
	return nil
}

func (a *App) RegisterWorkflow(def *WorkflowDefinition) {
	a.Workflows[def.ID] = def
}

// RegisterPlugin initializes plugin and registers its methods as
// "<name>.<method>" functions. Plugins are shut down by Shutdown.
func (a *App) RegisterPlugin(ctx context.Context, name string, plugin any) error {
	if initializer, ok := plugin.(Initializer); ok {
		if err := initializer.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize plugin %s: %w", name, err)
		}
	}
	registered, err := a.Functions.RegisterPlugin(name, plugin)
	if err != nil {
		return fmt.Errorf("failed to register plugin %s: %w", name, err)
	}
	a.plugins = append(a.plugins, plugin)
	a.l.Info(fmt.Sprintf("Registered plugin: %s", name), "functions", registered)
	return nil
}

// Shutdown stops plugins in reverse registration order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(a.plugins) - 1; i >= 0; i-- {
		if s, ok := a.plugins[i].(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	a.plugins = nil
	return errors.Join(errs...)
}

func (a *App) ListWorkflows(_ context.Context) ([]*WorkflowDefinition, error) {
	defs := make([]*WorkflowDefinition, 0, len(a.Workflows))
	for _, def := range a.Workflows {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func (a *App) GetWorkflow(_ context.Context, id string) (*WorkflowDefinition, error) {
	def, ok := a.Workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return def, nil
}
