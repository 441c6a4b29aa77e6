package runtime

import "strings"

// referencePrefix marks an argument that names a variable.
const referencePrefix = "$"

// IsReference reports whether arg is a "$name" variable reference.
func IsReference(arg any) bool {
	s, ok := arg.(string)
	return ok && strings.HasPrefix(s, referencePrefix)
}

// ResolveArgs replaces every "$name" argument by the current value of name
// in variables. Other arguments pass through unchanged. With no variable
// store bound, references are passed through literally.
func ResolveArgs(args []any, variables VariableStore) ([]any, error) {
	resolved := make([]any, len(args))
	for i, arg := range args {
		if variables == nil || !IsReference(arg) {
			resolved[i] = arg
			continue
		}
		value, err := variables.GetValue(strings.TrimPrefix(arg.(string), referencePrefix))
		if err != nil {
			return nil, err
		}
		resolved[i] = value
	}
	return resolved, nil
}
