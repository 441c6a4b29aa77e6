package runtime

import (
	"fmt"
	"sort"
)

// Validator checks a candidate value and returns the value to store, which
// may be a normalized form of the input.
type Validator func(value any) (any, error)

// SchemaCompiler turns schema source text into a Validator.
type SchemaCompiler interface {
	Compile(source string) (Validator, error)
}

// VariableDefinition is a registry entry.
type VariableDefinition struct {
	Name   string
	Schema Validator
	Source string
	Type   string
}

// VariableStore is what the executor needs from a variable registry.
type VariableStore interface {
	GetValue(name string) (any, error)
	SetValue(name string, value any) (any, error)
}

// VariableRegistry maps names to schema-validated variables and holds their
// run-scoped values. Definitions are shared by forks; values are not.
type VariableRegistry struct {
	compiler    SchemaCompiler
	definitions map[string]*VariableDefinition
	values      *ValueStore
}

// NewVariableRegistry creates an empty registry. compiler may be nil when
// every variable is registered with RegisterSchema.
func NewVariableRegistry(compiler SchemaCompiler) *VariableRegistry {
	return &VariableRegistry{
		compiler:    compiler,
		definitions: make(map[string]*VariableDefinition),
		values:      NewValueStore(),
	}
}

// Register compiles source into a schema and adds the variable.
func (r *VariableRegistry) Register(name, source, typ string) error {
	if r.compiler == nil {
		return fmt.Errorf("failed to register variable %s: no schema compiler configured", name)
	}
	schema, err := r.compiler.Compile(source)
	if err != nil {
		return fmt.Errorf("failed to register variable %s: %w", name, err)
	}
	r.definitions[name] = &VariableDefinition{
		Name:   name,
		Schema: schema,
		Source: source,
		Type:   typ,
	}
	return nil
}

// RegisterSchema adds a variable validated by an already built schema.
// A nil schema accepts every value.
func (r *VariableRegistry) RegisterSchema(name string, schema Validator, typ string) {
	r.definitions[name] = &VariableDefinition{
		Name:   name,
		Schema: schema,
		Type:   typ,
	}
}

func (r *VariableRegistry) Get(name string) (*VariableDefinition, bool) {
	def, ok := r.definitions[name]
	return def, ok
}

// Names returns the registered variable names in sorted order.
func (r *VariableRegistry) Names() []string {
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all definitions sorted by name.
func (r *VariableRegistry) List() []*VariableDefinition {
	names := r.Names()
	defs := make([]*VariableDefinition, len(names))
	for i, name := range names {
		defs[i] = r.definitions[name]
	}
	return defs
}

// SetValue validates value against the variable's schema and stores the
// validated result.
func (r *VariableRegistry) SetValue(name string, value any) (any, error) {
	def, ok := r.definitions[name]
	if !ok {
		return nil, variableError(ErrorKindUndefinedVariable, name, nil)
	}

	validated := value
	if def.Schema != nil {
		v, err := def.Schema(value)
		if err != nil {
			return nil, &Error{
				Kind:     ErrorKindValidationFailed,
				Message:  fmt.Sprintf("variable %s validation failed: %v", name, err),
				Variable: name,
				Err:      err,
				Position: -1,
			}
		}
		validated = v
	}

	r.values.Set(name, validated)
	return validated, nil
}

func (r *VariableRegistry) GetValue(name string) (any, error) {
	v, ok := r.values.Get(name)
	if !ok {
		return nil, variableError(ErrorKindUndefinedVariableValue, name, nil)
	}
	return v, nil
}

func (r *VariableRegistry) HasValue(name string) bool {
	_, ok := r.values.Get(name)
	return ok
}

// Values returns a snapshot of all values set so far.
func (r *VariableRegistry) Values() map[string]any {
	return r.values.All()
}

// ClearValues drops every stored value, keeping the definitions.
func (r *VariableRegistry) ClearValues() {
	r.values.Clear()
}

// Fork returns a registry sharing r's definitions with an empty value store,
// for running workflows concurrently without sharing values.
func (r *VariableRegistry) Fork() *VariableRegistry {
	return &VariableRegistry{
		compiler:    r.compiler,
		definitions: r.definitions,
		values:      NewValueStore(),
	}
}
