package expression

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/engine/pathutil"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Evaluate looks up a parsed expression in the execution context.
// The boolean is false when the expression does not resolve; literals never resolve.
func Evaluate(e Expr, ec *runtime.ExecutionContext) (interface{}, bool) {
	if ec == nil {
		return nil, false
	}
	switch e.Kind {
	case KindPlaceholder, KindVariable:
		return lookupKey(e.Name, ec)
	case KindInputPath:
		return pathutil.GetSegments(ec.Input, e.Path)
	case KindNodeRef:
		output, ok := ec.Variables[e.Name]
		if !ok {
			return nil, false
		}
		return pathutil.GetSegments(output, e.Path)
	default:
		return nil, false
	}
}

// Lookup resolves a dot-path against variables, then input.
func Lookup(path string, ec *runtime.ExecutionContext) (interface{}, bool) {
	if ec == nil {
		return nil, false
	}
	return lookupKey(strings.TrimSpace(path), ec)
}

// lookupKey resolves a key against variables, then input. Exact keys win; a key
// containing dots falls back to path navigation in the same order.
func lookupKey(key string, ec *runtime.ExecutionContext) (interface{}, bool) {
	if v, ok := ec.Variables[key]; ok {
		return v, true
	}
	if v, ok := ec.Input[key]; ok {
		return v, true
	}
	if !strings.ContainsAny(key, ".[") {
		return nil, false
	}
	segments := pathutil.Split(key)
	if v, ok := pathutil.GetSegments(ec.Variables, segments); ok {
		return v, true
	}
	return pathutil.GetSegments(ec.Input, segments)
}

// Resolve substitutes a {{key}} placeholder. Values that are not strings, strings
// not exactly wrapped in {{ }}, and placeholders that do not resolve are returned
// unchanged, braces included.
func Resolve(value interface{}, ec *runtime.ExecutionContext) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	e := Parse(s)
	if e.Kind == KindLiteral {
		return value
	}
	if v, ok := Evaluate(e, ec); ok {
		return v
	}
	return value
}

// IsUnresolved reports whether a resolved value is still a placeholder literal.
func IsUnresolved(resolved interface{}) bool {
	s, ok := resolved.(string)
	return ok && IsPlaceholder(s)
}

// ResolveDeep applies Resolve to every string nested in maps and slices.
func ResolveDeep(value interface{}, ec *runtime.ExecutionContext) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = ResolveDeep(item, ec)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ResolveDeep(item, ec)
		}
		return out
	default:
		return Resolve(value, ec)
	}
}

// ResolveString resolves value and formats the result as a string.
func ResolveString(value interface{}, ec *runtime.ExecutionContext) string {
	resolved := Resolve(value, ec)
	if resolved == nil {
		return ""
	}
	if s, ok := resolved.(string); ok {
		return s
	}
	return fmt.Sprint(resolved)
}

// ResolveIterable resolves the items of a loop. Arrays pass through; strings are
// parsed with ParseReference and must resolve to an array.
func ResolveIterable(value interface{}, ec *runtime.ExecutionContext) ([]interface{}, error) {
	if value == nil {
		return nil, sdkerrors.NewValidationError("items", "items is required")
	}

	if s, ok := value.(string); ok {
		e := ParseReference(s)
		resolved, found := Evaluate(e, ec)
		if !found {
			return nil, sdkerrors.WrapValidation("items",
				fmt.Sprintf("Cannot resolve expression: %s", s), sdkerrors.ErrUnresolvedExpression)
		}
		items, isArray := toSlice(resolved)
		if !isArray {
			return nil, sdkerrors.Validationf("items",
				"expression %s resolved to %T, expected an array", s, resolved)
		}
		return items, nil
	}

	items, isArray := toSlice(value)
	if !isArray {
		return nil, sdkerrors.Validationf("items", "items must be an array or an expression, got %T", value)
	}
	return items, nil
}

func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
