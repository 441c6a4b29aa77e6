package runtime

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepKind discriminates the two step variants.
type StepKind int

const (
	StepKindFunction StepKind = iota + 1
	StepKindVariable
)

func (k StepKind) String() string {
	switch k {
	case StepKindFunction:
		return "function"
	case StepKindVariable:
		return "variable"
	default:
		return "unknown"
	}
}

// WorkflowDefinition is an ordered list of steps plus an optional
// workflow-level recovery sequence.
type WorkflowDefinition struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Steps   []Step `json:"steps" yaml:"steps"`
	OnError []Step `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// FunctionCall is the payload of a function step.
type FunctionCall struct {
	Name string
	Args []any
}

// Assignment is the payload of a variable step. HasValue distinguishes an
// absent value from an explicit null.
type Assignment struct {
	Name     string
	Value    any
	HasValue bool
}

// Step is a tagged union: exactly one of Function and Variable is set.
// Use Kind to switch over the variant.
type Step struct {
	Function *FunctionCall
	Variable *Assignment
	Output   string
	Retry    *RetryOptions
	OnError  []Step
}

// FunctionStep builds a step invoking fn with args.
func FunctionStep(fn string, args ...any) Step {
	return Step{Function: &FunctionCall{Name: fn, Args: args}}
}

// VariableStep builds a step assigning value to the variable name.
func VariableStep(name string, value any) Step {
	return Step{Variable: &Assignment{Name: name, Value: value, HasValue: true}}
}

// Kind returns the variant of the step, or 0 for a malformed step.
func (s Step) Kind() StepKind {
	switch {
	case s.Function != nil && s.Variable == nil:
		return StepKindFunction
	case s.Variable != nil && s.Function == nil:
		return StepKindVariable
	default:
		return 0
	}
}

// Name returns the function or variable the step refers to.
func (s Step) Name() string {
	switch s.Kind() {
	case StepKindFunction:
		return s.Function.Name
	case StepKindVariable:
		return s.Variable.Name
	default:
		return ""
	}
}

func (s Step) WithRetry(r RetryOptions) Step {
	s.Retry = &r
	return s
}

func (s Step) WithOnError(steps ...Step) Step {
	s.OnError = steps
	return s
}

func (s Step) WithOutput(name string) Step {
	s.Output = name
	return s
}

// stepDocument is the flat wire shape of a step.
type stepDocument struct {
	Fn      string          `json:"fn,omitempty"`
	Var     string          `json:"var,omitempty"`
	Args    []any           `json:"args,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Output  string          `json:"output,omitempty"`
	Retry   *RetryOptions   `json:"retry,omitempty"`
	OnError []Step          `json:"onError,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	doc := stepDocument{
		Output:  s.Output,
		Retry:   s.Retry,
		OnError: s.OnError,
	}
	switch s.Kind() {
	case StepKindFunction:
		doc.Fn = s.Function.Name
		doc.Args = s.Function.Args
	case StepKindVariable:
		doc.Var = s.Variable.Name
		if s.Variable.HasValue {
			raw, err := json.Marshal(s.Variable.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal value of variable %s: %w", s.Variable.Name, err)
			}
			doc.Value = raw
		}
	default:
		return nil, fmt.Errorf("cannot marshal step without exactly one of fn or var")
	}
	return json.Marshal(doc)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return parsingError("invalid step JSON: %v", err)
	}
	step, err := decodeStep(raw, "step")
	if err != nil {
		return err
	}
	*s = step
	return nil
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return parsingError("invalid step YAML: %v", err)
	}
	step, err := decodeStep(raw, "step")
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// decodeStep converts a generic decoded document (JSON or YAML) into a Step.
// A step is a function step if it has key "fn", a variable step if it has
// key "var".
func decodeStep(raw any, path string) (Step, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Step{}, parsingError("%s: step must be an object, got %T", path, raw)
	}

	var step Step
	_, hasFn := m["fn"]
	_, hasVar := m["var"]
	switch {
	case hasFn && hasVar:
		return Step{}, parsingError("%s: step cannot declare both \"fn\" and \"var\"", path)
	case hasFn:
		name, ok := m["fn"].(string)
		if !ok || name == "" {
			return Step{}, parsingError("%s: \"fn\" must be a non-empty string", path)
		}
		call := &FunctionCall{Name: name}
		if rawArgs, ok := m["args"]; ok && rawArgs != nil {
			args, ok := rawArgs.([]any)
			if !ok {
				return Step{}, parsingError("%s: \"args\" must be an array", path)
			}
			call.Args = args
		}
		step.Function = call
	case hasVar:
		name, ok := m["var"].(string)
		if !ok || name == "" {
			return Step{}, parsingError("%s: \"var\" must be a non-empty string", path)
		}
		value, hasValue := m["value"]
		step.Variable = &Assignment{Name: name, Value: value, HasValue: hasValue}
	default:
		return Step{}, parsingError("%s: step must declare \"fn\" or \"var\"", path)
	}

	if rawOutput, ok := m["output"]; ok && rawOutput != nil {
		output, ok := rawOutput.(string)
		if !ok {
			return Step{}, parsingError("%s: \"output\" must be a string", path)
		}
		step.Output = output
	}

	if rawRetry, ok := m["retry"]; ok && rawRetry != nil {
		retryMap, ok := rawRetry.(map[string]any)
		if !ok {
			return Step{}, parsingError("%s: \"retry\" must be an object", path)
		}
		retry, err := DecodeRetryOptions(retryMap)
		if err != nil {
			return Step{}, parsingError("%s.retry: %v", path, err)
		}
		step.Retry = retry
	}

	onError, err := decodeSteps(m["onError"], path+".onError")
	if err != nil {
		return Step{}, err
	}
	step.OnError = onError

	return step, nil
}

func decodeSteps(raw any, path string) ([]Step, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, parsingError("%s must be an array", path)
	}
	steps := make([]Step, 0, len(items))
	for i, item := range items {
		step, err := decodeStep(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Walk visits every reachable step: the top-level steps, the workflow-level
// onError sequence and, recursively, every step's onError sequence.
// Top-level steps have depth 0; each onError level adds one. A step deeper
// than maxDepth fails with OnErrorDepthExceeded before fn sees it.
func (d *WorkflowDefinition) Walk(maxDepth int, fn func(step Step, depth int) error) error {
	if err := walkSteps(d.Steps, 0, maxDepth, fn); err != nil {
		return err
	}
	return walkSteps(d.OnError, 1, maxDepth, fn)
}

func walkSteps(steps []Step, depth, maxDepth int, fn func(Step, int) error) error {
	if len(steps) == 0 {
		return nil
	}
	if depth > maxDepth {
		return &Error{
			Kind:     ErrorKindOnErrorDepthExceeded,
			Message:  fmt.Sprintf("onError nesting exceeds the limit of %d", maxDepth),
			Function: steps[0].nameIf(StepKindFunction),
			Variable: steps[0].nameIf(StepKindVariable),
			Position: -1,
		}
	}
	for _, step := range steps {
		if err := fn(step, depth); err != nil {
			return err
		}
		if err := walkSteps(step.OnError, depth+1, maxDepth, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) nameIf(kind StepKind) string {
	if s.Kind() == kind {
		return s.Name()
	}
	return ""
}
