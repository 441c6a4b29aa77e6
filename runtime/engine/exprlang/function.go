package exprlang

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BDNK1/flowbase/runtime"
	"github.com/expr-lang/expr"
)

// FunctionCompiler builds function implementations from expressions over
// `args`, the resolved call arguments:
//
//	args[0] + args[1]
type FunctionCompiler struct{}

func NewFunctionCompiler() *FunctionCompiler {
	return &FunctionCompiler{}
}

func (c *FunctionCompiler) Compile(code string) (runtime.Implementation, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("function code is empty")
	}

	opts := []expr.Option{
		expr.Env(map[string]any{"args": []any{}}),
	}
	opts = append(opts, exprFunctions...)

	program, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid function expression: %w", err)
	}

	return func(ctx context.Context, args []any) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return expr.Run(program, map[string]any{"args": args})
	}, nil
}

// Define compiles code and registers it under name.
func (c *FunctionCompiler) Define(registry *runtime.FunctionRegistry, name, code string, inputTypes []string, outputType string) error {
	impl, err := c.Compile(code)
	if err != nil {
		return fmt.Errorf("failed to compile function %s: %w", name, err)
	}
	registry.Register(name, impl, inputTypes, outputType)
	return nil
}
