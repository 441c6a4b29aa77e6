package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Implementation is the callable behind a registered function. ctx is the
// run's *Execution, so implementations can read the execution ID and observe
// cancellation.
type Implementation func(ctx context.Context, args []any) (any, error)

// FunctionDefinition is a registry entry.
type FunctionDefinition struct {
	Name           string
	Implementation Implementation
	InputTypes     []string
	OutputType     string
}

// FunctionLookup is what the validator and the executor need from a function registry.
type FunctionLookup interface {
	Lookup(name string) (*FunctionDefinition, bool)
}

// FunctionRegistry maps names to function definitions. Registration is not
// synchronized; complete it before starting runs; lookups are then safe
// from any number of goroutines.
type FunctionRegistry struct {
	functions map[string]*FunctionDefinition
}

func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		functions: make(map[string]*FunctionDefinition),
	}
}

// Register adds or replaces a function. A nil inputTypes means the function
// takes no arguments; an empty outputType is recorded as "unknown".
func (r *FunctionRegistry) Register(name string, impl Implementation, inputTypes []string, outputType string) {
	if outputType == "" {
		outputType = TypeUnknown
	}
	r.functions[name] = &FunctionDefinition{
		Name:           name,
		Implementation: impl,
		InputTypes:     append([]string(nil), inputTypes...),
		OutputType:     outputType,
	}
}

func (r *FunctionRegistry) Lookup(name string) (*FunctionDefinition, bool) {
	fn, ok := r.functions[name]
	return fn, ok
}

// Names returns the registered function names in sorted order.
func (r *FunctionRegistry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all definitions sorted by name.
func (r *FunctionRegistry) List() []*FunctionDefinition {
	names := r.Names()
	defs := make([]*FunctionDefinition, len(names))
	for i, name := range names {
		defs[i] = r.functions[name]
	}
	return defs
}

// RegisterFunc registers an ordinary Go function. Input types are derived
// from the parameter kinds and arguments are converted to the parameter
// types at call time. Supported shapes:
//
//	func(a, b float64) float64
//	func(ctx context.Context, s string) (string, error)
//	func(m map[string]any) error
func (r *FunctionRegistry) RegisterFunc(name string, fn any) error {
	def, err := wrapGoFunc(name, fn)
	if err != nil {
		return err
	}
	r.functions[name] = def
	return nil
}

// RegisterPlugin registers every exported method of plugin with a supported
// signature as "<pluginName>.<method>" (method name lower-cased on its first letter).
// It returns the registered names.
func (r *FunctionRegistry) RegisterPlugin(pluginName string, plugin any) ([]string, error) {
	if plugin == nil {
		return nil, fmt.Errorf("plugin cannot be nil")
	}

	pluginValue := reflect.ValueOf(plugin)
	pluginType := pluginValue.Type()

	var registered []string
	for i := 0; i < pluginType.NumMethod(); i++ {
		method := pluginType.Method(i)

		// Skip unexported methods
		if !method.IsExported() || lifecycleMethods[method.Name] {
			continue
		}

		bound := pluginValue.Method(i).Interface()
		if !isValidFunctionSignature(reflect.TypeOf(bound)) {
			continue
		}

		fnName := fmt.Sprintf("%s.%s", pluginName, toLowerFirst(method.Name))
		if err := r.RegisterFunc(fnName, bound); err != nil {
			return registered, err
		}
		registered = append(registered, fnName)
	}

	return registered, nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// isValidFunctionSignature accepts an optional leading context.Context, at
// most two results and, when there are two, an error in last position.
func isValidFunctionSignature(fnType reflect.Type) bool {
	if fnType.Kind() != reflect.Func || fnType.IsVariadic() {
		return false
	}
	switch fnType.NumOut() {
	case 0, 1:
		return true
	case 2:
		return fnType.Out(1) == errorType
	default:
		return false
	}
}

func wrapGoFunc(name string, fn any) (*FunctionDefinition, error) {
	fnValue := reflect.ValueOf(fn)
	if !fnValue.IsValid() || fnValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("function %s: expected a func, got %T", name, fn)
	}
	fnType := fnValue.Type()
	if !isValidFunctionSignature(fnType) {
		return nil, fmt.Errorf("function %s: unsupported signature %s", name, fnType)
	}

	first := 0
	if fnType.NumIn() > 0 && fnType.In(0) == contextType {
		first = 1
	}

	inputTypes := make([]string, 0, fnType.NumIn()-first)
	for i := first; i < fnType.NumIn(); i++ {
		inputTypes = append(inputTypes, typeTagOf(fnType.In(i)))
	}

	outputType := "undefined"
	if fnType.NumOut() > 0 && fnType.Out(0) != errorType {
		outputType = typeTagOf(fnType.Out(0))
	}

	impl := func(ctx context.Context, args []any) (any, error) {
		if len(args) != fnType.NumIn()-first {
			return nil, fmt.Errorf("%s expects %d arguments, got %d", name, fnType.NumIn()-first, len(args))
		}

		in := make([]reflect.Value, 0, fnType.NumIn())
		if first == 1 {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, arg := range args {
			v, err := convertToExpectedType(arg, fnType.In(i+first))
			if err != nil {
				return nil, fmt.Errorf("%s argument %d: %w", name, i, err)
			}
			in = append(in, v)
		}

		results := fnValue.Call(in)

		switch len(results) {
		case 0:
			return nil, nil
		case 1:
			if fnType.Out(0) == errorType {
				return nil, asError(results[0])
			}
			return results[0].Interface(), nil
		default:
			return results[0].Interface(), asError(results[1])
		}
	}

	return &FunctionDefinition{
		Name:           name,
		Implementation: impl,
		InputTypes:     inputTypes,
		OutputType:     outputType,
	}, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// convertToExpectedType converts a decoded argument to the reflect.Type the
// Go function declares.
func convertToExpectedType(val any, expected reflect.Type) (reflect.Value, error) {
	if val == nil {
		return reflect.Zero(expected), nil
	}
	actual := reflect.ValueOf(val)
	if actual.Type().AssignableTo(expected) {
		return actual, nil
	}
	// Numbers convert across kinds (JSON numbers arrive as float64), but a
	// number never silently becomes a string.
	if isNumberKind(actual.Kind()) && isNumberKind(expected.Kind()) {
		converted := actual.Convert(expected)
		// Integer parameters take only values they can hold exactly.
		if isIntegerKind(expected.Kind()) && converted.Convert(actual.Type()).Interface() != actual.Interface() {
			return reflect.Value{}, fmt.Errorf("cannot use %v as %s without loss", val, expected)
		}
		return converted, nil
	}
	if actual.Kind() != reflect.String && expected.Kind() != reflect.String && actual.Type().ConvertibleTo(expected) {
		return actual.Convert(expected), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", val, expected)
}

// toLowerFirst converts first character of string to lowercase
func toLowerFirst(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToLower(s[:1]) + s[1:]
}
