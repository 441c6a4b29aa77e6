package runtime

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// recordingSleeper records every retry delay without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

// flaky fails the first failures calls, then returns value.
func flaky(failures int, value any, calls *int) Implementation {
	return func(ctx context.Context, args []any) (any, error) {
		*calls++
		if *calls <= failures {
			return nil, errors.New("transient failure")
		}
		return value, nil
	}
}

func failing(calls *int) Implementation {
	return func(ctx context.Context, args []any) (any, error) {
		*calls++
		return nil, errors.New("always fails")
	}
}

func returning(value any, calls *int) Implementation {
	return func(ctx context.Context, args []any) (any, error) {
		*calls++
		return value, nil
	}
}

func newTestExecutor(sleeper *recordingSleeper, opts ...ExecutorOption) *Executor {
	opts = append([]ExecutorOption{WithSleeper(sleeper.Sleep)}, opts...)
	return NewExecutor(nil, opts...)
}

func workflow(steps ...Step) *WorkflowDefinition {
	return &WorkflowDefinition{ID: "test", Name: "Test", Steps: steps}
}

func TestRunWorkflow_Add(t *testing.T) {
	results, err := NewExecutor(nil).RunWorkflow(context.Background(), workflow(FunctionStep("add", 1.0, 2.0)), testFunctions(), nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{3.0}) {
		t.Errorf("results = %v, want [3]", results)
	}
}

func TestRunWorkflow_TypeMismatchNeverInvokes(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("add", returning(0.0, &calls), []string{TypeNumber, TypeNumber}, TypeNumber)

	_, err := NewExecutor(nil).RunWorkflow(context.Background(), workflow(FunctionStep("add", "a", 2.0)), functions, nil)

	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrorKindArgumentTypeMismatch || e.Position != 0 {
		t.Fatalf("Expected ArgumentTypeMismatch at position 0, got %v", err)
	}
	if calls != 0 {
		t.Errorf("add invoked %d times, want 0", calls)
	}
}

func TestRunWorkflow_ValidationPreventsPartialExecution(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("first", returning("ok", &calls), nil, TypeString)

	def := workflow(FunctionStep("first"), FunctionStep("first"), FunctionStep("undefined"))
	def.OnError = []Step{FunctionStep("first")}

	_, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	if !errors.Is(err, ErrUndefinedFunction) {
		t.Fatalf("Expected UndefinedFunction, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no step to run, got %d calls", calls)
	}
}

func TestRunWorkflow_RetryCountAndBackoff(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("f", flaky(2, "done", &calls), nil, TypeString)

	sleeper := &recordingSleeper{}
	step := FunctionStep("f").WithRetry(RetryOptions{MaxAttempts: 3, Delay: 10, BackoffFactor: 2})

	results, err := newTestExecutor(sleeper).RunWorkflow(context.Background(), workflow(step), functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("f invoked %d times, want 3", calls)
	}
	if !reflect.DeepEqual(results, []any{"done"}) {
		t.Errorf("results = %v", results)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if !reflect.DeepEqual(sleeper.delays, want) {
		t.Errorf("delays = %v, want %v", sleeper.delays, want)
	}
}

func TestRunWorkflow_RetryExhaustedPropagatesLastError(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("f", failing(&calls), nil, TypeString)

	sleeper := &recordingSleeper{}
	step := FunctionStep("f").WithRetry(RetryOptions{MaxAttempts: 4, Delay: 5, BackoffFactor: 3})

	_, err := newTestExecutor(sleeper).RunWorkflow(context.Background(), workflow(step), functions, nil)

	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrorKindStepExecution {
		t.Fatalf("Expected StepExecutionError, got %v", err)
	}
	if e.Function != "f" || e.Attempts != 4 {
		t.Errorf("Expected function f after 4 attempts, got %q after %d", e.Function, e.Attempts)
	}
	if calls != 4 {
		t.Errorf("f invoked %d times, want 4", calls)
	}
	want := []time.Duration{5 * time.Millisecond, 15 * time.Millisecond, 45 * time.Millisecond}
	if !reflect.DeepEqual(sleeper.delays, want) {
		t.Errorf("delays = %v, want %v", sleeper.delays, want)
	}
}

func TestRunWorkflow_EmptyOnErrorStillRetries(t *testing.T) {
	def, err := LoadWorkflow(`{"id":"a","name":"n","steps":[{"fn":"f","onError":[],"retry":{"maxAttempts":3}}]}`)
	if err != nil {
		t.Fatalf("LoadWorkflow failed: %v", err)
	}

	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("f", flaky(2, "done", &calls), nil, TypeString)

	results, err := newTestExecutor(&recordingSleeper{}).RunWorkflow(context.Background(), def, functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("f invoked %d times, want 3", calls)
	}
	if !reflect.DeepEqual(results, []any{"done"}) {
		t.Errorf("results = %v", results)
	}
}

func TestRunWorkflow_OnErrorPrecedence(t *testing.T) {
	errCalls, handleCalls, addCalls := 0, 0, 0
	functions := NewFunctionRegistry()
	functions.Register("errorFn", failing(&errCalls), nil, TypeUndefined)
	functions.Register("handle", returning("handled", &handleCalls), nil, TypeString)
	functions.Register("add", returning(3.0, &addCalls), []string{TypeNumber, TypeNumber}, TypeNumber)

	sleeper := &recordingSleeper{}
	def := workflow(
		FunctionStep("errorFn").
			WithRetry(RetryOptions{MaxAttempts: 3, Delay: 10, BackoffFactor: 1}).
			WithOnError(FunctionStep("handle")),
		FunctionStep("add", 1.0, 2.0),
	)

	results, err := newTestExecutor(sleeper).RunWorkflow(context.Background(), def, functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"handled"}) {
		t.Errorf("results = %v, want [handled]", results)
	}
	if errCalls != 1 {
		t.Errorf("errorFn invoked %d times, want 1", errCalls)
	}
	if addCalls != 0 {
		t.Errorf("add invoked %d times, want 0", addCalls)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("Expected no retry delays, got %v", sleeper.delays)
	}
}

func TestRunWorkflow_CompletedSiblingsKeptOnRouting(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("ok", returning("first", &calls), nil, TypeString)
	functions.Register("errorFn", failing(&calls), nil, TypeUndefined)
	functions.Register("handle", returning("handled", &calls), nil, TypeString)

	def := workflow(
		FunctionStep("ok"),
		FunctionStep("errorFn").WithOnError(FunctionStep("handle"), FunctionStep("handle")),
		FunctionStep("ok"),
	)

	results, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"first", "handled", "handled"}) {
		t.Errorf("results = %v", results)
	}
}

func TestRunWorkflow_StepOnErrorBeatsWorkflowOnError(t *testing.T) {
	stepHandler, workflowHandler, errCalls := 0, 0, 0
	functions := NewFunctionRegistry()
	functions.Register("errorFn", failing(&errCalls), nil, TypeUndefined)
	functions.Register("stepHandler", returning("step", &stepHandler), nil, TypeString)
	functions.Register("workflowHandler", returning("workflow", &workflowHandler), nil, TypeString)

	def := workflow(FunctionStep("errorFn").WithOnError(FunctionStep("stepHandler")))
	def.OnError = []Step{FunctionStep("workflowHandler")}

	results, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"step"}) {
		t.Errorf("results = %v", results)
	}
	if stepHandler != 1 || workflowHandler != 0 {
		t.Errorf("stepHandler=%d workflowHandler=%d, want 1 and 0", stepHandler, workflowHandler)
	}
}

func TestRunWorkflow_WorkflowOnError(t *testing.T) {
	okCalls, errCalls, handlerCalls := 0, 0, 0
	functions := NewFunctionRegistry()
	functions.Register("ok", returning("ok", &okCalls), nil, TypeString)
	functions.Register("errorFn", failing(&errCalls), nil, TypeUndefined)
	functions.Register("recover", returning("recovered", &handlerCalls), nil, TypeString)

	def := workflow(FunctionStep("ok"), FunctionStep("errorFn"), FunctionStep("ok"))
	def.OnError = []Step{FunctionStep("recover")}

	results, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"recovered"}) {
		t.Errorf("results = %v, want [recovered]", results)
	}
	if okCalls != 1 {
		t.Errorf("ok invoked %d times, want 1", okCalls)
	}
}

func TestRunWorkflow_HandlerFailureBypassesWorkflowOnError(t *testing.T) {
	calls, workflowHandler := 0, 0
	functions := NewFunctionRegistry()
	functions.Register("errorFn", failing(&calls), nil, TypeUndefined)
	functions.Register("badHandler", failing(&calls), nil, TypeUndefined)
	functions.Register("workflowHandler", returning("workflow", &workflowHandler), nil, TypeString)

	def := workflow(FunctionStep("errorFn").WithOnError(FunctionStep("badHandler")))
	def.OnError = []Step{FunctionStep("workflowHandler")}

	_, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	var e *Error
	if !errors.As(err, &e) || e.Function != "badHandler" {
		t.Fatalf("Expected badHandler failure, got %v", err)
	}
	if workflowHandler != 0 {
		t.Errorf("workflowHandler invoked %d times, want 0", workflowHandler)
	}
}

func TestRunWorkflow_WorkflowOnErrorFailurePropagates(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("errorFn", failing(&calls), nil, TypeUndefined)
	functions.Register("alsoFails", failing(&calls), nil, TypeUndefined)

	def := workflow(FunctionStep("errorFn"))
	def.OnError = []Step{FunctionStep("alsoFails")}

	_, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	var e *Error
	if !errors.As(err, &e) || e.Function != "alsoFails" {
		t.Fatalf("Expected alsoFails failure, got %v", err)
	}
}

func TestRunWorkflow_Variables(t *testing.T) {
	vars := NewVariableRegistry(nil)
	vars.RegisterSchema("name", nonEmptyString, TypeString)
	vars.RegisterSchema("greeting", nil, TypeString)

	def := workflow(
		VariableStep("name", "Alice"),
		FunctionStep("greet", "$name").WithOutput("greeting"),
	)

	results, err := NewExecutor(nil).RunWorkflow(context.Background(), def, testFunctions(), vars)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"Alice", "Hello, Alice"}) {
		t.Errorf("results = %v", results)
	}
	if got, _ := vars.GetValue("greeting"); got != "Hello, Alice" {
		t.Errorf("Expected output bound to greeting, got %v", got)
	}
}

func TestRunWorkflow_VariableFailures(t *testing.T) {
	vars := func() *VariableRegistry {
		r := NewVariableRegistry(nil)
		r.RegisterSchema("name", nonEmptyString, TypeString)
		return r
	}

	tests := []struct {
		name      string
		def       *WorkflowDefinition
		variables VariableStore
		kind      ErrorKind
	}{
		{
			name: "missing registry",
			def:  workflow(VariableStep("name", "Alice")),
			kind: ErrorKindMissingVariableRegistry,
		},
		{
			name:      "missing value",
			def:       workflow(Step{Variable: &Assignment{Name: "name"}}),
			variables: vars(),
			kind:      ErrorKindMissingStepValue,
		},
		{
			name:      "schema rejects",
			def:       workflow(VariableStep("name", "")),
			variables: vars(),
			kind:      ErrorKindValidationFailed,
		},
		{
			name:      "unregistered variable",
			def:       workflow(VariableStep("age", 3)),
			variables: vars(),
			kind:      ErrorKindUndefinedVariable,
		},
		{
			name:      "reference without value",
			def:       workflow(FunctionStep("greet", "$name")),
			variables: vars(),
			kind:      ErrorKindUndefinedVariableValue,
		},
		{
			name: "output without registry",
			def:  workflow(FunctionStep("greet", "x").WithOutput("name")),
			kind: ErrorKindMissingVariableRegistry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(nil).RunWorkflow(context.Background(), tt.def, testFunctions(), tt.variables)
			if KindOf(err) != tt.kind {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestRunWorkflow_VariableFailureRoutedToOnError(t *testing.T) {
	vars := NewVariableRegistry(nil)
	vars.RegisterSchema("name", nonEmptyString, TypeString)

	def := workflow(VariableStep("name", "").WithOnError(VariableStep("name", "fallback")))

	results, err := NewExecutor(nil).RunWorkflow(context.Background(), def, testFunctions(), vars)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"fallback"}) {
		t.Errorf("results = %v", results)
	}
}

func TestRunWorkflow_ReferencesPassThroughWithoutRegistry(t *testing.T) {
	results, err := NewExecutor(nil).RunWorkflow(context.Background(), workflow(FunctionStep("greet", "$name")), testFunctions(), nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"Hello, $name"}) {
		t.Errorf("results = %v", results)
	}
}

func TestRunWorkflow_TypedNilRegistryIsNoRegistry(t *testing.T) {
	var vars *VariableRegistry
	_, err := NewExecutor(nil).RunWorkflow(context.Background(), workflow(VariableStep("x", 1)), testFunctions(), vars)
	if !errors.Is(err, ErrMissingVariableRegistry) {
		t.Fatalf("Expected MissingVariableRegistry, got %v", err)
	}
}

func TestRunWorkflow_CancelDuringRetryDelay(t *testing.T) {
	calls, handlerCalls := 0, 0
	functions := NewFunctionRegistry()
	functions.Register("f", failing(&calls), nil, TypeUndefined)
	functions.Register("recover", returning("recovered", &handlerCalls), nil, TypeString)

	ctx, cancel := context.WithCancel(context.Background())
	sleeper := func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	def := workflow(FunctionStep("f").WithRetry(RetryOptions{MaxAttempts: 5, Delay: 1000, BackoffFactor: 1}))
	def.OnError = []Step{FunctionStep("recover")}

	_, err := NewExecutor(nil, WithSleeper(sleeper)).RunWorkflow(ctx, def, functions, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("f invoked %d times, want 1", calls)
	}
	if handlerCalls != 0 {
		t.Errorf("Expected cancelled run not to be routed, handler ran %d times", handlerCalls)
	}
}

func TestRunWorkflow_DefaultSleeperWaits(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("f", flaky(1, "ok", &calls), nil, TypeString)

	start := time.Now()
	step := FunctionStep("f").WithRetry(RetryOptions{MaxAttempts: 2, Delay: 20, BackoffFactor: 1})
	if _, err := NewExecutor(nil).RunWorkflow(context.Background(), workflow(step), functions, nil); err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Expected at least 20ms between attempts, took %v", elapsed)
	}
}

func TestRunWorkflow_StepTimeout(t *testing.T) {
	functions := NewFunctionRegistry()
	functions.Register("slow", func(ctx context.Context, args []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, TypeUndefined)

	cfg := NewConfig()
	cfg.StepTimeout = 10 * time.Millisecond

	_, err := NewExecutor(nil, WithConfig(cfg)).RunWorkflow(context.Background(), workflow(FunctionStep("slow")), functions, nil)
	if !errors.Is(err, ErrStepExecution) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected StepExecutionError wrapping DeadlineExceeded, got %v", err)
	}
}

func TestRunWorkflow_PanicIsStepFailure(t *testing.T) {
	calls := 0
	functions := NewFunctionRegistry()
	functions.Register("boom", func(ctx context.Context, args []any) (any, error) {
		panic("boom")
	}, nil, TypeUndefined)
	functions.Register("recover", returning("recovered", &calls), nil, TypeString)

	def := workflow(FunctionStep("boom").WithOnError(FunctionStep("recover")))
	results, err := NewExecutor(nil).RunWorkflow(context.Background(), def, functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"recovered"}) {
		t.Errorf("results = %v", results)
	}
}

func TestRunWorkflow_StepErrorPreservesMetadata(t *testing.T) {
	functions := NewFunctionRegistry()
	functions.Register("charge", func(ctx context.Context, args []any) (any, error) {
		return nil, NewStepError(errors.New("card declined")).WithMetadata("code", "declined")
	}, nil, TypeUndefined)

	_, err := NewExecutor(nil).RunWorkflow(context.Background(), workflow(FunctionStep("charge")), functions, nil)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if e.Function != "charge" || e.Metadata["code"] != "declined" {
		t.Errorf("Expected function and metadata preserved, got %+v", e)
	}
}

func TestRunWorkflow_SharedStepErrorIsNotModified(t *testing.T) {
	errBusy := NewStepError(errors.New("busy"))
	functions := NewFunctionRegistry()
	functions.Register("busy", func(ctx context.Context, args []any) (any, error) {
		return nil, errBusy
	}, nil, TypeUndefined)

	step := FunctionStep("busy").WithRetry(RetryOptions{MaxAttempts: 3})
	for run := 0; run < 2; run++ {
		_, err := newTestExecutor(&recordingSleeper{}).RunWorkflow(context.Background(), workflow(step), functions, nil)
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("run %d: expected *Error, got %v", run, err)
		}
		if e == errBusy {
			t.Fatalf("run %d: executor returned the function's own error value", run)
		}
		if e.Function != "busy" || e.Attempts != 3 {
			t.Errorf("run %d: got function %q after %d attempts", run, e.Function, e.Attempts)
		}
	}
	if errBusy.Function != "" || errBusy.Attempts != 0 {
		t.Errorf("shared error was annotated: function %q, attempts %d", errBusy.Function, errBusy.Attempts)
	}
}

func TestRunWorkflow_ExecutionInContext(t *testing.T) {
	var seen *Execution
	functions := NewFunctionRegistry()
	functions.Register("inspect", func(ctx context.Context, args []any) (any, error) {
		seen, _ = ExecutionFromContext(ctx)
		return nil, nil
	}, nil, TypeUndefined)

	ctx := ContextWithExecutionID(context.Background(), "exec-1")
	if _, err := NewExecutor(nil).RunWorkflow(ctx, workflow(FunctionStep("inspect")), functions, nil); err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if seen == nil || seen.ID != "exec-1" || seen.Workflow.ID != "test" {
		t.Errorf("Unexpected execution: %+v", seen)
	}
}

func TestRunWorkflow_ConcurrentRunsWithForks(t *testing.T) {
	vars := NewVariableRegistry(nil)
	vars.RegisterSchema("name", nonEmptyString, TypeString)
	executor := NewExecutor(nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			def := workflow(VariableStep("name", name), FunctionStep("greet", "$name"))
			results, err := executor.RunWorkflow(context.Background(), def, testFunctions(), vars.Fork())
			if err != nil {
				errs <- err
				return
			}
			if results[1] != "Hello, "+name {
				errs <- errors.New("run observed another run's variable: " + results[1].(string))
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRunWorkflow_NilDefinition(t *testing.T) {
	if _, err := RunWorkflow(context.Background(), nil, testFunctions(), nil); !errors.Is(err, ErrParsing) {
		t.Errorf("Expected ParsingError, got %v", err)
	}
}
