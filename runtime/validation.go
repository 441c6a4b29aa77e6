package runtime

import (
	"fmt"
	"slices"
)

// ValidateTypes checks every function step reachable from def against
// functions: the function must exist, the argument count must match and each
// raw argument's type tag must match the declared input type. Variable
// references are checked as the strings they are, not as the values they
// will resolve to. Nothing is executed.
func ValidateTypes(def *WorkflowDefinition, functions FunctionLookup, maxDepth int) error {
	return def.Walk(maxDepth, func(step Step, _ int) error {
		switch step.Kind() {
		case StepKindFunction:
		case StepKindVariable:
			return nil
		default:
			return parsingError("step must declare exactly one of fn or var")
		}
		call := step.Function

		fn, ok := functions.Lookup(call.Name)
		if !ok {
			return &Error{
				Kind:     ErrorKindUndefinedFunction,
				Message:  fmt.Sprintf("undefined function: %s", call.Name),
				Function: call.Name,
				Position: -1,
			}
		}

		if len(call.Args) != len(fn.InputTypes) {
			return &Error{
				Kind:     ErrorKindArgumentCountMismatch,
				Message:  fmt.Sprintf("argument count mismatch for function %s: expected %d, got %d", call.Name, len(fn.InputTypes), len(call.Args)),
				Function: call.Name,
				Position: -1,
			}
		}

		for i, arg := range call.Args {
			actual := TypeOf(arg)
			if !typeMatches(fn.InputTypes[i], actual) {
				return &Error{
					Kind:     ErrorKindArgumentTypeMismatch,
					Message:  fmt.Sprintf("argument type mismatch for function %s at position %d: expected %s, got %s", call.Name, i, fn.InputTypes[i], actual),
					Function: call.Name,
					Position: i,
				}
			}
		}
		return nil
	})
}

// ValidateWorkflow is a name-only check usable without live registries: every
// function and variable a reachable step names must be in the given lists.
func ValidateWorkflow(def *WorkflowDefinition, validFunctions, validVariables []string) error {
	return def.Walk(NewConfig().MaxOnErrorDepth, func(step Step, _ int) error {
		switch step.Kind() {
		case StepKindFunction:
			if !slices.Contains(validFunctions, step.Function.Name) {
				return &Error{
					Kind:     ErrorKindUndefinedFunction,
					Message:  fmt.Sprintf("undefined function: %s", step.Function.Name),
					Function: step.Function.Name,
					Position: -1,
				}
			}
		case StepKindVariable:
			if !slices.Contains(validVariables, step.Variable.Name) {
				return &Error{
					Kind:     ErrorKindUndefinedVariable,
					Message:  fmt.Sprintf("undefined variable: %s", step.Variable.Name),
					Variable: step.Variable.Name,
					Position: -1,
				}
			}
		default:
			return parsingError("step must declare exactly one of fn or var")
		}
		return nil
	})
}
