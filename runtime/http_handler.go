package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HttpHandler exposes stored workflows over HTTP.
type HttpHandler struct {
	l         *slog.Logger
	source    WorkflowSource
	functions FunctionLookup
	variables *VariableRegistry
	executor  *Executor
}

// NewHttpHandler registers the workflow routes on g. variables may be nil;
// each run gets its own fork of it.
func NewHttpHandler(l *slog.Logger, source WorkflowSource, functions FunctionLookup, variables *VariableRegistry, executor *Executor, g gin.IRouter) *HttpHandler {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	h := &HttpHandler{
		l:         l,
		source:    source,
		functions: functions,
		variables: variables,
		executor:  executor,
	}

	g.GET("/workflows", h.listWorkflows)
	g.GET("/workflows/:id", h.getWorkflow)
	g.POST("/workflows/:id/run", h.runWorkflow)
	g.POST("/workflows/validate", h.validateWorkflow)
	return h
}

// runRequest is the optional body of a run request. Variables are set, and
// validated, before the first step runs.
type runRequest struct {
	Variables map[string]any `json:"variables"`
}

func (h *HttpHandler) listWorkflows(c *gin.Context) {
	defs, err := h.source.ListWorkflows(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs})
}

func (h *HttpHandler) getWorkflow(c *gin.Context) {
	def, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *HttpHandler) runWorkflow(c *gin.Context) {
	def, ok := h.lookup(c)
	if !ok {
		return
	}

	var req runRequest
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.fail(c, http.StatusBadRequest, fmt.Errorf("wrong request body format: %w", err))
			return
		}
	}

	var variables VariableStore
	if h.variables != nil {
		fork := h.variables.Fork()
		for name, value := range req.Variables {
			if _, err := fork.SetValue(name, value); err != nil {
				h.fail(c, http.StatusBadRequest, err)
				return
			}
		}
		variables = fork
	} else if len(req.Variables) > 0 {
		h.fail(c, http.StatusBadRequest, variableError(ErrorKindMissingVariableRegistry, "", nil))
		return
	}

	executionID := uuid.New().String()
	ctx := ContextWithExecutionID(c.Request.Context(), executionID)
	results, err := h.executor.RunWorkflow(ctx, def, h.functions, variables)
	if err != nil {
		h.l.ErrorContext(ctx, "Workflow execution failed",
			"workflow", def.ID,
			"execution", executionID,
			"path", c.Request.URL.Path,
			"error", err.Error())
		h.fail(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executionId": executionID,
		"results":     results,
	})
}

func (h *HttpHandler) validateWorkflow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	def, err := LoadWorkflow(string(body))
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.executor.Validate(def, h.functions); err != nil {
		h.fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "id": def.ID})
}

func (h *HttpHandler) lookup(c *gin.Context) (*WorkflowDefinition, bool) {
	id := c.Param("id")
	def, err := h.source.GetWorkflow(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.fail(c, http.StatusNotFound, err)
		} else {
			h.fail(c, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return def, true
}

func (h *HttpHandler) fail(c *gin.Context, status int, err error) {
	body := gin.H{"error": err.Error()}
	switch {
	case KindOf(err) != "":
		body["kind"] = string(KindOf(err))
	case errors.Is(err, ErrNotFound):
		body["kind"] = "NotFound"
	}
	c.JSON(status, body)
}

// statusFor maps a run failure to a response status: definitions that never
// started are the client's fault, failures while running are the server's.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch KindOf(err) {
	case ErrorKindParsing,
		ErrorKindUndefinedFunction,
		ErrorKindArgumentCountMismatch,
		ErrorKindArgumentTypeMismatch,
		ErrorKindOnErrorDepthExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
