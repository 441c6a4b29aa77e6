package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// VariableRecord is a stored variable. Code is the schema source.
type VariableRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Type        string `json:"type"`
}

// SaveVariable inserts v, or replaces the variable with the same name.
func (s *Store) SaveVariable(ctx context.Context, v *VariableRecord) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	_, err := s.exec(ctx, `INSERT INTO variables (id, name, description, code, type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			code = excluded.code,
			type = excluded.type`,
		v.ID, v.Name, v.Description, v.Code, v.Type)
	if err != nil {
		return fmt.Errorf("store: failed to save variable %s: %w", v.Name, err)
	}
	// An existing row keeps its ID.
	if err := s.queryRow(ctx, `SELECT id FROM variables WHERE name = ?`, v.Name).Scan(&v.ID); err != nil {
		return fmt.Errorf("store: failed to read back variable %s: %w", v.Name, err)
	}
	return nil
}

func (s *Store) GetVariable(ctx context.Context, id string) (*VariableRecord, error) {
	var v VariableRecord
	err := s.queryRow(ctx, `SELECT id, name, description, code, type FROM variables WHERE id = ?`, id).
		Scan(&v.ID, &v.Name, &v.Description, &v.Code, &v.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variable %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read variable %s: %w", id, err)
	}
	return &v, nil
}

func (s *Store) ListVariables(ctx context.Context) ([]*VariableRecord, error) {
	rows, err := s.query(ctx, `SELECT id, name, description, code, type FROM variables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list variables: %w", err)
	}
	defer rows.Close()

	var out []*VariableRecord
	for rows.Next() {
		var v VariableRecord
		if err := rows.Scan(&v.ID, &v.Name, &v.Description, &v.Code, &v.Type); err != nil {
			return nil, fmt.Errorf("store: failed to read variable: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *Store) DeleteVariable(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "variables", id)
}
