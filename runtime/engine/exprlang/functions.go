package exprlang

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/BDNK1/flowbase/runtime"
	"github.com/expr-lang/expr"
)

// Helper functions available to every schema and function expression.
var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}),
	expr.Function("is_string", func(params ...any) (any, error) {
		return runtime.TypeOf(params[0]) == runtime.TypeString, nil
	}, new(func(any) bool)),
	expr.Function("is_number", func(params ...any) (any, error) {
		return runtime.TypeOf(params[0]) == runtime.TypeNumber, nil
	}, new(func(any) bool)),
	expr.Function("is_boolean", func(params ...any) (any, error) {
		return runtime.TypeOf(params[0]) == runtime.TypeBoolean, nil
	}, new(func(any) bool)),
	expr.Function("is_object", func(params ...any) (any, error) {
		return runtime.TypeOf(params[0]) == runtime.TypeObject, nil
	}, new(func(any) bool)),
	expr.Function("is_email", func(params ...any) (any, error) {
		s, ok := params[0].(string)
		if !ok {
			return false, nil
		}
		return runtime.ValidateVar(s, "email") == nil, nil
	}, new(func(any) bool)),
	expr.Function("fail", func(params ...any) (any, error) {
		return nil, fmt.Errorf("%v", params[0])
	}),
	expr.Function("to_json", func(params ...any) (any, error) {
		b, err := json.Marshal(params[0])
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}),
	expr.Function("from_json", func(params ...any) (any, error) {
		s, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("from_json() expects a string, got %T", params[0])
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	}),
}
