package exprlang

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BDNK1/flowbase/runtime"
	"github.com/expr-lang/expr"
)

// SchemaCompiler builds variable schemas from expressions over `value`.
//
// A boolean result accepts or rejects the candidate as is:
//
//	is_string(value) && len(value) >= 3
//
// Any other result replaces the candidate, so a schema can normalize:
//
//	lower(trim(value))
type SchemaCompiler struct{}

func NewSchemaCompiler() *SchemaCompiler {
	return &SchemaCompiler{}
}

var _ runtime.SchemaCompiler = (*SchemaCompiler)(nil)

func (c *SchemaCompiler) Compile(source string) (runtime.Validator, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("schema source is empty")
	}

	opts := []expr.Option{
		expr.Env(map[string]any{"value": nil}),
	}
	opts = append(opts, exprFunctions...)

	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid schema expression: %w", err)
	}

	return func(value any) (any, error) {
		out, err := expr.Run(program, map[string]any{"value": value})
		if err != nil {
			return nil, err
		}
		if ok, isBool := out.(bool); isBool {
			if !ok {
				return nil, fmt.Errorf("value %v does not satisfy %q", value, source)
			}
			return value, nil
		}
		return out, nil
	}, nil
}
