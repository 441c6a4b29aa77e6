package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var _ context.Context = &Execution{}

type executionKey struct{}

type executionIDKey struct{}

// ContextWithExecutionID makes the next run started with ctx use id instead
// of a generated one.
func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// Execution is the state of one RunWorkflow invocation. It implements
// context.Context and is what function implementations receive as ctx.
type Execution struct {
	ID        string
	Workflow  *WorkflowDefinition
	Variables VariableStore
	ctx       context.Context // real context carrying deadline/cancellation
}

// context.Context implementation delegates to the embedded ctx so that
// timeouts and cancellation reach retry delays and functions.

func (e *Execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *Execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Execution) Err() error {
	return e.ctx.Err()
}

func (e *Execution) Value(key any) any {
	if _, ok := key.(executionKey); ok {
		return e
	}
	return e.ctx.Value(key)
}

// WithContext returns a shallow copy of the Execution with a new embedded
// context. Use this to apply a per-step timeout without mutating the parent.
// Mirrors the http.Request.WithContext pattern.
func (e *Execution) WithContext(ctx context.Context) *Execution {
	copy := *e
	copy.ctx = ctx
	return &copy
}

// ExecutionFromContext returns the Execution a function was invoked with.
func ExecutionFromContext(ctx context.Context) (*Execution, bool) {
	e, ok := ctx.Value(executionKey{}).(*Execution)
	return e, ok
}

func NewExecution(ctx context.Context, workflow *WorkflowDefinition, variables VariableStore) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	id, _ := ctx.Value(executionIDKey{}).(string)
	if id == "" {
		id = uuid.New().String()
	}
	return &Execution{
		ID:        id,
		Workflow:  workflow,
		Variables: variables,
		ctx:       ctx,
	}
}
