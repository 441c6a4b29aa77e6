package runtime

import (
	"encoding/json"
	"reflect"
)

// Primitive type tags used by function input/output declarations.
const (
	TypeString    = "string"
	TypeNumber    = "number"
	TypeBoolean   = "boolean"
	TypeObject    = "object"
	TypeFunction  = "function"
	TypeUndefined = "undefined"
	TypeUnknown   = "unknown"
	// TypeAny as a declared input type accepts every argument.
	TypeAny = "any"
)

// TypeOf returns the primitive type tag of a decoded value. nil, maps,
// slices, structs and pointers are all "object".
func TypeOf(v any) string {
	if v == nil {
		return TypeObject
	}
	if _, ok := v.(json.Number); ok {
		return TypeNumber
	}
	return typeTagOf(reflect.TypeOf(v))
}

func typeTagOf(t reflect.Type) string {
	switch {
	case t.Kind() == reflect.String:
		return TypeString
	case t.Kind() == reflect.Bool:
		return TypeBoolean
	case isNumberKind(t.Kind()):
		return TypeNumber
	case t.Kind() == reflect.Func:
		return TypeFunction
	case t.Kind() == reflect.Interface:
		return TypeAny
	default:
		return TypeObject
	}
}

func isIntegerKind(k reflect.Kind) bool {
	return isNumberKind(k) && k != reflect.Float32 && k != reflect.Float64
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// typeMatches reports whether an argument of tag actual satisfies a declared input type.
func typeMatches(declared, actual string) bool {
	return declared == TypeAny || declared == actual
}
