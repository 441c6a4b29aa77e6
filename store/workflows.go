package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BDNK1/flowbase/runtime"
)

// SaveWorkflow inserts or replaces def by ID. Steps and onError are stored
// as JSON documents in the same shape LoadWorkflow reads.
func (s *Store) SaveWorkflow(ctx context.Context, def *runtime.WorkflowDefinition) error {
	steps := def.Steps
	if steps == nil {
		steps = []runtime.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("store: failed to encode steps of %s: %w", def.ID, err)
	}

	var onError sql.NullString
	if len(def.OnError) > 0 {
		b, err := json.Marshal(def.OnError)
		if err != nil {
			return fmt.Errorf("store: failed to encode onError of %s: %w", def.ID, err)
		}
		onError = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.exec(ctx, `INSERT INTO workflows (id, name, steps, on_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			steps = excluded.steps,
			on_error = excluded.on_error`,
		def.ID, def.Name, string(stepsJSON), onError)
	if err != nil {
		return fmt.Errorf("store: failed to save workflow %s: %w", def.ID, err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*runtime.WorkflowDefinition, error) {
	row := s.queryRow(ctx, `SELECT id, name, steps, on_error FROM workflows WHERE id = ?`, id)
	def, err := s.scanWorkflow(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return def, err
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*runtime.WorkflowDefinition, error) {
	rows, err := s.query(ctx, `SELECT id, name, steps, on_error FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*runtime.WorkflowDefinition
	for rows.Next() {
		def, err := s.scanWorkflow(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "workflows", id)
}

// scanWorkflow decodes a row. Corrupt step documents are logged and read as
// empty sequences so one bad row does not hide the others.
func (s *Store) scanWorkflow(ctx context.Context, row scanner) (*runtime.WorkflowDefinition, error) {
	var (
		def     runtime.WorkflowDefinition
		steps   string
		onError sql.NullString
	)
	if err := row.Scan(&def.ID, &def.Name, &steps, &onError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: failed to read workflow: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		s.l.WarnContext(ctx, "Corrupt workflow steps, using none", "workflow", def.ID, "error", err)
		def.Steps = []runtime.Step{}
	}
	if onError.Valid {
		if err := json.Unmarshal([]byte(onError.String), &def.OnError); err != nil {
			s.l.WarnContext(ctx, "Corrupt workflow onError, ignoring it", "workflow", def.ID, "error", err)
			def.OnError = nil
		}
	}
	return &def, nil
}
