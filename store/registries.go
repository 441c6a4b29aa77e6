package store

import (
	"context"
	"fmt"

	"github.com/BDNK1/flowbase/runtime"
)

// FunctionCompiler turns stored function code into an implementation.
type FunctionCompiler interface {
	Compile(code string) (runtime.Implementation, error)
}

// LoadRegistries compiles every stored function and variable into fresh
// registries. A record that does not compile fails the whole load.
func (s *Store) LoadRegistries(ctx context.Context, functions FunctionCompiler, schemas runtime.SchemaCompiler) (*runtime.FunctionRegistry, *runtime.VariableRegistry, error) {
	fnRecords, err := s.ListFunctions(ctx)
	if err != nil {
		return nil, nil, err
	}
	fnRegistry := runtime.NewFunctionRegistry()
	for _, f := range fnRecords {
		impl, err := functions.Compile(f.Code)
		if err != nil {
			return nil, nil, fmt.Errorf("store: function %s: %w", f.Name, err)
		}
		fnRegistry.Register(f.Name, impl, f.InputTypes, f.OutputType)
	}

	varRecords, err := s.ListVariables(ctx)
	if err != nil {
		return nil, nil, err
	}
	varRegistry := runtime.NewVariableRegistry(schemas)
	for _, v := range varRecords {
		if err := varRegistry.Register(v.Name, v.Code, v.Type); err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
	}

	s.l.InfoContext(ctx, "Registries loaded",
		"functions", len(fnRecords),
		"variables", len(varRecords))
	return fnRegistry, varRegistry, nil
}
