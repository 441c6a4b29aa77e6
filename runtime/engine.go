package runtime

import (
	"context"
	"errors"
)

// ErrNotFound is returned, wrapped with the missing ID, by WorkflowSource
// implementations.
var ErrNotFound = errors.New("not found")

// WorkflowSource provides stored workflow definitions to the HTTP API and CLI.
type WorkflowSource interface {
	ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error)
}
