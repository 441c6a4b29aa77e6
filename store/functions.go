package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// FunctionRecord is a stored function. Code is an expression over `args`.
type FunctionRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputTypes  []string `json:"inputTypes"`
	OutputType  string   `json:"outputType"`
	Code        string   `json:"code"`
}

// SaveFunction inserts f, or replaces the function with the same name.
// A missing ID is generated.
func (s *Store) SaveFunction(ctx context.Context, f *FunctionRecord) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	inputTypes, err := json.Marshal(f.InputTypes)
	if err != nil {
		return fmt.Errorf("store: failed to encode input types of %s: %w", f.Name, err)
	}

	_, err = s.exec(ctx, `INSERT INTO functions (id, name, description, input_types, output_type, code)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			input_types = excluded.input_types,
			output_type = excluded.output_type,
			code = excluded.code`,
		f.ID, f.Name, f.Description, string(inputTypes), f.OutputType, f.Code)
	if err != nil {
		return fmt.Errorf("store: failed to save function %s: %w", f.Name, err)
	}
	// An existing row keeps its ID.
	if err := s.queryRow(ctx, `SELECT id FROM functions WHERE name = ?`, f.Name).Scan(&f.ID); err != nil {
		return fmt.Errorf("store: failed to read back function %s: %w", f.Name, err)
	}
	return nil
}

func (s *Store) GetFunction(ctx context.Context, id string) (*FunctionRecord, error) {
	row := s.queryRow(ctx, `SELECT id, name, description, input_types, output_type, code FROM functions WHERE id = ?`, id)
	f, err := s.scanFunction(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	return f, err
}

func (s *Store) ListFunctions(ctx context.Context) ([]*FunctionRecord, error) {
	rows, err := s.query(ctx, `SELECT id, name, description, input_types, output_type, code FROM functions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list functions: %w", err)
	}
	defer rows.Close()

	var out []*FunctionRecord
	for rows.Next() {
		f, err := s.scanFunction(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFunction(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "functions", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanFunction(ctx context.Context, row scanner) (*FunctionRecord, error) {
	var (
		f          FunctionRecord
		inputTypes string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &inputTypes, &f.OutputType, &f.Code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: failed to read function: %w", err)
	}
	if err := json.Unmarshal([]byte(inputTypes), &f.InputTypes); err != nil {
		s.l.WarnContext(ctx, "Corrupt input types, using none", "function", f.Name, "error", err)
		f.InputTypes = []string{}
	}
	return &f, nil
}
