package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sleeper suspends the current run for d, returning early with ctx's error
// if ctx is done first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs workflow definitions. It validates the whole step tree, then
// executes steps in order, retrying and routing failures to onError sequences.
// An Executor holds no per-run state and may be shared by concurrent runs.
type Executor struct {
	l         *slog.Logger
	cfg       Config
	sleep     Sleeper
	telemetry *telemetry

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

type ExecutorOption func(*Executor)

// WithConfig replaces the default executor configuration.
func WithConfig(cfg Config) ExecutorOption {
	return func(e *Executor) {
		e.cfg = cfg
	}
}

// WithSleeper replaces the timer used between retry attempts.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) {
		e.sleep = s
	}
}

func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) {
		e.tracerProvider = tp
	}
}

func WithMeterProvider(mp metric.MeterProvider) ExecutorOption {
	return func(e *Executor) {
		e.meterProvider = mp
	}
}

func NewExecutor(l *slog.Logger, opts ...ExecutorOption) *Executor {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	e := &Executor{
		l:              l,
		cfg:            NewConfig(),
		sleep:          sleepContext,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxOnErrorDepth < 1 {
		e.cfg.MaxOnErrorDepth = NewConfig().MaxOnErrorDepth
	}
	e.telemetry = newTelemetry(e.tracerProvider, e.meterProvider)
	return e
}

// Validate type-checks def against functions with the executor's onError
// depth bound, without running anything.
func (e *Executor) Validate(def *WorkflowDefinition, functions FunctionLookup) error {
	if def == nil {
		return parsingError("workflow definition is nil")
	}
	if isNil(functions) {
		functions = emptyLookup{}
	}
	return ValidateTypes(def, functions, e.cfg.MaxOnErrorDepth)
}

// RunWorkflow runs def with the default executor, logging to slog.Default().
func RunWorkflow(ctx context.Context, def *WorkflowDefinition, functions FunctionLookup, variables VariableStore) ([]any, error) {
	return NewExecutor(slog.Default()).RunWorkflow(ctx, def, functions, variables)
}

// RunWorkflow validates def and executes it, returning one result per
// completed logical step in execution order. variables may be nil for
// workflows without variable steps, references or outputs. The run either
// returns every result or fails as a whole.
func (e *Executor) RunWorkflow(ctx context.Context, def *WorkflowDefinition, functions FunctionLookup, variables VariableStore) ([]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if def == nil {
		return nil, parsingError("workflow definition is nil")
	}
	if isNil(functions) {
		functions = emptyLookup{}
	}
	if isNil(variables) {
		variables = nil
	}

	ctx, span := e.telemetry.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("flowbase.workflow.id", def.ID),
		attribute.String("flowbase.workflow.name", def.Name),
	))
	defer span.End()

	if err := e.Validate(def, functions); err != nil {
		e.l.ErrorContext(ctx, fmt.Sprintf("Workflow validation failed: %s", def.ID),
			"workflow", def.ID,
			"error", err)
		e.finishRun(ctx, span, def, "invalid", err)
		return nil, err
	}

	exec := NewExecution(ctx, def, variables)
	span.SetAttributes(attribute.String("flowbase.execution.id", exec.ID))
	r := &run{executor: e, exec: exec, functions: functions, variables: variables}

	e.l.InfoContext(exec, fmt.Sprintf("Running workflow: %s", def.ID),
		"execution", exec.ID,
		"steps", len(def.Steps))

	results, err := r.runSequence(def.Steps)
	if err != nil && len(def.OnError) > 0 && !isHandlerFailure(err) && exec.Err() == nil {
		e.l.InfoContext(exec, fmt.Sprintf("Routing failure of workflow %s to workflow onError", def.ID),
			"execution", exec.ID,
			"error", err)
		e.telemetry.routed.Add(exec, 1, metric.WithAttributes(attribute.String("flowbase.handler", "workflow")))
		results, err = r.runSequence(def.OnError)
	}

	if err != nil {
		err = unwrapHandlerFailure(err)
		e.l.ErrorContext(exec, fmt.Sprintf("Workflow failed: %s", def.ID),
			"execution", exec.ID,
			"error", err)
		e.finishRun(exec, span, def, "failed", err)
		return nil, err
	}

	e.l.InfoContext(exec, fmt.Sprintf("Workflow completed: %s", def.ID),
		"execution", exec.ID,
		"results", len(results))
	e.finishRun(exec, span, def, "succeeded", nil)
	return results, nil
}

func (e *Executor) finishRun(ctx context.Context, span trace.Span, def *WorkflowDefinition, outcome string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.telemetry.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flowbase.workflow.id", def.ID),
		attribute.String("flowbase.outcome", outcome),
	))
}

// run is the state of a single RunWorkflow call.
type run struct {
	executor  *Executor
	exec      *Execution
	functions FunctionLookup
	variables VariableStore
}

// runSequence executes steps in order. When a step's failure is routed to its
// onError sequence, the handler's results take the step's place and the
// remaining steps are abandoned.
func (r *run) runSequence(steps []Step) ([]any, error) {
	results := make([]any, 0, len(steps))
	for _, step := range steps {
		out, routed, err := r.runStep(step)
		if err != nil {
			return nil, err
		}
		results = append(results, out...)
		if routed {
			break
		}
	}
	return results, nil
}

// runStep drives one step through ATTEMPT → SUCCESS | FAIL → RETRY |
// ROUTE_TO_ONERROR | PROPAGATE. A step with an onError sequence is attempted
// exactly once, whatever its retry options say.
func (r *run) runStep(step Step) ([]any, bool, error) {
	e := r.executor
	kind := step.Kind()
	name := step.Name()

	ctx, span := e.telemetry.tracer.Start(r.exec, fmt.Sprintf("%s %s", kind, name), trace.WithAttributes(
		attribute.String("flowbase.step.kind", kind.String()),
		attribute.String("flowbase.step.name", name),
	))
	defer span.End()

	hasHandler := len(step.OnError) > 0
	maxAttempts := step.Retry.Attempts()
	if hasHandler {
		maxAttempts = 1
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++

		if attempt > 1 {
			delay := step.Retry.DelayBefore(attempt)
			e.l.InfoContext(ctx, fmt.Sprintf("[%d/%d] Retrying step: %s", attempt, maxAttempts, name),
				"workflow", r.exec.Workflow.ID,
				"delay", delay)
			e.telemetry.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("flowbase.step.name", name)))
			if err := e.sleep(ctx, delay); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "retry delay interrupted")
				return nil, false, fmt.Errorf("retry of step %s interrupted: %w", name, err)
			}
		}

		value, err := r.invoke(ctx, step)
		if err == nil {
			e.telemetry.attempts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("flowbase.step.kind", kind.String()),
				attribute.String("flowbase.outcome", "succeeded"),
			))
			span.SetAttributes(attribute.Int("flowbase.step.attempts", attempt))
			return []any{value}, false, nil
		}

		lastErr = err
		e.telemetry.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("flowbase.step.kind", kind.String()),
			attribute.String("flowbase.outcome", "failed"),
		))
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("flowbase.step.attempt", attempt),
			attribute.String("error", err.Error()),
		))
		e.l.ErrorContext(ctx, fmt.Sprintf("Step failed: %s", name),
			"workflow", r.exec.Workflow.ID,
			"kind", kind.String(),
			"attempt", attempt,
			"error", err)

		// A cancelled run is aborted, never retried or routed.
		if r.exec.Err() != nil {
			break
		}
	}
	span.SetAttributes(attribute.Int("flowbase.step.attempts", attempt))

	if hasHandler && r.exec.Err() == nil {
		e.l.InfoContext(ctx, fmt.Sprintf("Routing failure of step %s to its onError sequence", name),
			"workflow", r.exec.Workflow.ID,
			"handlerSteps", len(step.OnError))
		e.telemetry.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("flowbase.handler", "step")))
		results, err := r.runSequence(step.OnError)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "onError sequence failed")
			return nil, false, markHandlerFailure(err)
		}
		return results, true, nil
	}

	// Errors returned by functions may be shared values; annotate a copy.
	if stepErr, ok := lastErr.(*Error); ok {
		stepErr = stepErr.clone()
		stepErr.Attempts = attempt
		lastErr = stepErr
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, false, lastErr
}

// invoke performs one attempt of a step and binds its output, if declared.
func (r *run) invoke(ctx context.Context, step Step) (any, error) {
	var (
		value any
		err   error
	)
	switch step.Kind() {
	case StepKindFunction:
		value, err = r.callFunction(ctx, step.Function)
	case StepKindVariable:
		value, err = r.assign(step.Variable)
	default:
		err = parsingError("step must declare exactly one of fn or var")
	}
	if err != nil {
		return nil, err
	}

	if step.Output != "" {
		if r.variables == nil {
			return nil, variableError(ErrorKindMissingVariableRegistry, step.Output, nil)
		}
		if _, err := r.variables.SetValue(step.Output, value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (r *run) callFunction(ctx context.Context, call *FunctionCall) (any, error) {
	fn, ok := r.functions.Lookup(call.Name)
	if !ok {
		return nil, functionError(ErrorKindUndefinedFunction, call.Name, -1)
	}

	args, err := ResolveArgs(call.Args, r.variables)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Function == "" {
			e = e.clone()
			e.Function = call.Name
			return nil, e
		}
		return nil, err
	}

	exec := r.exec.WithContext(ctx)
	value, err := r.executor.callWithTimeout(exec, fn, args)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == ErrorKindStepExecution {
			e = e.clone()
			if e.Function == "" {
				e.Function = call.Name
			}
			return nil, e
		}
		return nil, &Error{Kind: ErrorKindStepExecution, Function: call.Name, Err: err, Position: -1}
	}
	return value, nil
}

// callWithTimeout invokes fn, bounded by the configured step timeout. A
// function that ignores its context keeps running in the background after
// the timeout fires.
func (e *Executor) callWithTimeout(exec *Execution, fn *FunctionDefinition, args []any) (any, error) {
	if e.cfg.StepTimeout <= 0 {
		return callSafely(exec, fn, args)
	}

	ctx, cancel := context.WithTimeout(exec.ctx, e.cfg.StepTimeout)
	defer cancel()
	exec = exec.WithContext(ctx)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := callSafely(exec, fn, args)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("function %s did not return within %s: %w", fn.Name, e.cfg.StepTimeout, ctx.Err())
	}
}

// callSafely turns a panic in an implementation into an ordinary failure.
func callSafely(exec *Execution, fn *FunctionDefinition, args []any) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("function %s panicked: %v", fn.Name, p)
		}
	}()
	if fn.Implementation == nil {
		return nil, fmt.Errorf("function %s has no implementation", fn.Name)
	}
	return fn.Implementation(exec, args)
}

func (r *run) assign(a *Assignment) (any, error) {
	if r.variables == nil {
		return nil, variableError(ErrorKindMissingVariableRegistry, a.Name, nil)
	}
	if !a.HasValue {
		return nil, variableError(ErrorKindMissingStepValue, a.Name, nil)
	}
	return r.variables.SetValue(a.Name, a.Value)
}

// handlerFailure marks an error raised inside an onError sequence. It
// propagates to the caller without being offered to the workflow onError.
type handlerFailure struct {
	err error
}

func (h *handlerFailure) Error() string { return h.err.Error() }
func (h *handlerFailure) Unwrap() error { return h.err }

func markHandlerFailure(err error) error {
	if isHandlerFailure(err) {
		return err
	}
	return &handlerFailure{err: err}
}

func isHandlerFailure(err error) bool {
	var h *handlerFailure
	return errors.As(err, &h)
}

func unwrapHandlerFailure(err error) error {
	var h *handlerFailure
	if errors.As(err, &h) {
		return h.err
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type emptyLookup struct{}

func (emptyLookup) Lookup(string) (*FunctionDefinition, bool) { return nil, false }

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
