package config

import (
	"fmt"
	"regexp"
	"strings"
)

// EnvVarSpec is a parsed flowbase.yaml scalar: either a literal or a
// reference to an environment variable with an optional default.
type EnvVarSpec struct {
	VarName      string
	HasDefault   bool
	DefaultValue string
	IsLiteral    bool
	LiteralValue string
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// LookupFunc reports the value of an environment variable. os.LookupEnv
// satisfies it.
type LookupFunc func(key string) (string, bool)

// ParseEnvVar parses a config value that may reference an environment variable.
//
// Supported formats:
//   - ${VAR}         - required environment variable
//   - ${VAR:default} - optional environment variable with default
//   - literal        - anything else, kept as is
//
// Malformed references such as "${lower}" or "$VAR" are literals.
func ParseEnvVar(value string) (*EnvVarSpec, error) {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return &EnvVarSpec{IsLiteral: true, LiteralValue: value}, nil
	}

	varName := matches[1]
	if !isValidEnvVarName(varName) {
		return nil, fmt.Errorf("invalid environment variable name: %s", varName)
	}

	spec := &EnvVarSpec{
		VarName:    varName,
		HasDefault: matches[2] != "",
	}
	if spec.HasDefault {
		spec.DefaultValue = strings.TrimPrefix(matches[2], ":")
	}
	return spec, nil
}

// Resolve returns the value s stands for. A required variable that is
// unset is an error.
func (s *EnvVarSpec) Resolve(lookup LookupFunc) (string, error) {
	if s.IsLiteral {
		return s.LiteralValue, nil
	}
	if v, ok := lookup(s.VarName); ok {
		return v, nil
	}
	if s.HasDefault {
		return s.DefaultValue, nil
	}
	return "", fmt.Errorf("required environment variable %s is not set", s.VarName)
}

// ExpandEnv returns a copy of values with every string leaf resolved through
// ParseEnvVar. Nested maps and lists are walked; other scalars are copied.
func ExpandEnv(values map[string]any, lookup LookupFunc) (map[string]any, error) {
	out, err := expandValue(values, lookup, "")
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.(map[string]any), nil
}

func expandValue(v any, lookup LookupFunc, path string) (any, error) {
	switch val := v.(type) {
	case string:
		spec, err := ParseEnvVar(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		resolved, err := spec.Resolve(lookup)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return resolved, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			expanded, err := expandValue(item, lookup, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := expandValue(item, lookup, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// isValidEnvVarName checks if a string is a valid environment variable name
// Valid names: Start with A-Z or underscore, contain only A-Z, 0-9, underscore
func isValidEnvVarName(name string) bool {
	if name == "" {
		return false
	}

	first := name[0]
	if !((first >= 'A' && first <= 'Z') || first == '_') {
		return false
	}

	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}
