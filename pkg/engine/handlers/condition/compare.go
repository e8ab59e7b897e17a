package condition

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"golang.org/x/text/cases"
)

// Compare evaluates operator against two resolved operands.
func Compare(left interface{}, operator Operator, right interface{}, caseInsensitive bool) (bool, error) {
	switch operator {
	case OpEquals, OpLooseEquals:
		return looseEquals(left, right, caseInsensitive), nil
	case OpStrictEquals, OpStrictEqualsSym:
		return strictEquals(left, right, caseInsensitive), nil
	case OpNotEquals, OpNotEqualsWord:
		return !looseEquals(left, right, caseInsensitive), nil
	case OpStrictNotEquals:
		return !strictEquals(left, right, caseInsensitive), nil
	case OpGreaterThan:
		return order(left, right, func(c int) bool { return c > 0 }), nil
	case OpGreaterThanOrEqual:
		return order(left, right, func(c int) bool { return c >= 0 }), nil
	case OpLessThan:
		return order(left, right, func(c int) bool { return c < 0 }), nil
	case OpLessThanOrEqual:
		return order(left, right, func(c int) bool { return c <= 0 }), nil
	case OpContains:
		l, r := normalize(toString(left), toString(right), caseInsensitive)
		return strings.Contains(l, r), nil
	case OpNotContains:
		l, r := normalize(toString(left), toString(right), caseInsensitive)
		return !strings.Contains(l, r), nil
	case OpStartsWith:
		l, r := normalize(toString(left), toString(right), caseInsensitive)
		return strings.HasPrefix(l, r), nil
	case OpEndsWith:
		l, r := normalize(toString(left), toString(right), caseInsensitive)
		return strings.HasSuffix(l, r), nil
	case OpRegex:
		return matchRegex(left, right, caseInsensitive)
	case OpIn:
		return contains(right, left, caseInsensitive)
	case OpNotIn:
		found, err := contains(right, left, caseInsensitive)
		return !found, err
	case OpIsEmpty:
		return IsEmpty(left), nil
	case OpIsNotEmpty:
		return !IsEmpty(left), nil
	default:
		return false, sdkerrors.WrapValidation("operator", fmt.Sprintf("Unknown operator: %s", operator), sdkerrors.ErrUnknownOperator)
	}
}

// IsEmpty reports whether a value is falsy, an empty array or a blank string.
func IsEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case bool:
		return !v
	case []interface{}:
		return len(v) == 0
	}
	if f, ok := number(value); ok {
		return f == 0 || math.IsNaN(f)
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return rv.Len() == 0
	}
	return false
}

// looseEquals compares with type coercion: numbers, numeric strings and booleans
// compare by numeric value, everything else by string form or deep equality.
func looseEquals(a, b interface{}, caseInsensitive bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		as, bs = normalize(as, bs, caseInsensitive)
		return as == bs
	}

	if isScalar(a) && isScalar(b) {
		af, aErr := coerceNumber(a)
		bf, bErr := coerceNumber(b)
		if aErr == nil && bErr == nil {
			return af == bf
		}
		as, bs = normalize(toString(a), toString(b), caseInsensitive)
		return as == bs
	}

	return reflect.DeepEqual(a, b)
}

// strictEquals requires both operands to share a kind: number, string or bool.
func strictEquals(a, b interface{}, caseInsensitive bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false
		}
		as, bs = normalize(as, bs, caseInsensitive)
		return as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return reflect.DeepEqual(a, b)
}

// order compares two operands for the relational operators. Two non-numeric strings
// compare lexically; operands that cannot be ordered never satisfy the operator.
func order(a, b interface{}, satisfied func(int) bool) bool {
	af, aErr := coerceNumber(a)
	bf, bErr := coerceNumber(b)
	if aErr == nil && bErr == nil {
		if math.IsNaN(af) || math.IsNaN(bf) {
			return false
		}
		switch {
		case af < bf:
			return satisfied(-1)
		case af > bf:
			return satisfied(1)
		default:
			return satisfied(0)
		}
	}

	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		return satisfied(strings.Compare(as, bs))
	}
	return false
}

func matchRegex(value, pattern interface{}, caseInsensitive bool) (bool, error) {
	expr := toString(pattern)
	if caseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, sdkerrors.WrapValidation("rightValue", fmt.Sprintf("invalid regex pattern '%s'", toString(pattern)), err)
	}
	return re.MatchString(toString(value)), nil
}

// contains reports whether needle is an element of collection. A string collection
// is treated as a substring search.
func contains(collection, needle interface{}, caseInsensitive bool) (bool, error) {
	if s, ok := collection.(string); ok {
		h, n := normalize(s, toString(needle), caseInsensitive)
		return strings.Contains(h, n), nil
	}
	rv := reflect.ValueOf(collection)
	if collection == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false, sdkerrors.Validationf("rightValue", "expected a collection, got %T", collection)
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEquals(needle, rv.Index(i).Interface(), caseInsensitive) {
			return true, nil
		}
	}
	return false, nil
}

func normalize(a, b string, caseInsensitive bool) (string, string) {
	if !caseInsensitive {
		return a, b
	}
	fold := cases.Fold()
	return fold.String(a), fold.String(b)
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := number(v)
	return ok
}

// number returns the value of a Go numeric type.
func number(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// coerceNumber converts numbers, numeric strings and booleans to float64.
func coerceNumber(value interface{}) (float64, error) {
	if f, ok := number(value); ok {
		return f, nil
	}
	switch v := value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert string '%s' to number: %w", v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert type %T to number", value)
	}
}

func toString(value interface{}) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	}
	if f, ok := number(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}
