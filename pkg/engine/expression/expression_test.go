package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		text string
		kind Kind
		name string
		path []string
	}{
		{"plain text", KindLiteral, "", nil},
		{"{{status}}", KindPlaceholder, "status", nil},
		{"{{ user.email }}", KindPlaceholder, "user.email", nil},
		{"{{$json.order.id}}", KindInputPath, "", []string{"order", "id"}},
		{"{{$node.http-1.body}}", KindNodeRef, "http-1", []string{"body"}},
		{"prefix {{x}}", KindLiteral, "", nil},
		{"{{}", KindLiteral, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			e := Parse(tt.text)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.name, e.Name)
			assert.Equal(t, tt.path, e.Path)
			assert.Equal(t, tt.text, e.Raw)
		})
	}
}

func TestParseReference(t *testing.T) {
	assert.Equal(t, KindInputPath, ParseReference("$json.items").Kind)
	assert.Equal(t, KindInputPath, ParseReference("$input").Kind)
	assert.Equal(t, KindNodeRef, ParseReference("$node.fetch").Kind)
	assert.Equal(t, KindVariable, ParseReference("myItems").Kind)
	assert.Equal(t, KindPlaceholder, ParseReference("{{rows}}").Kind)
	assert.Equal(t, KindLiteral, ParseReference("  ").Kind)

	// $jsonish is not a $json reference
	e := ParseReference("$jsonish")
	assert.Equal(t, KindVariable, e.Kind)
	assert.Equal(t, "$jsonish", e.Name)
}

func TestResolve(t *testing.T) {
	ec := runtime.NewExecutionContext(
		map[string]interface{}{
			"status": "active",
			"shared": "from-input",
			"user":   map[string]interface{}{"email": "a@example.com"},
		},
		map[string]interface{}{
			"shared": "from-variables",
			"count":  3,
		},
	)

	tests := []struct {
		name     string
		value    interface{}
		expected interface{}
	}{
		{"input key", "{{status}}", "active"},
		{"variables shadow input", "{{shared}}", "from-variables"},
		{"non-string value", 42, 42},
		{"typed variable", "{{count}}", 3},
		{"dotted path", "{{user.email}}", "a@example.com"},
		{"unresolved stays literal", "{{missing}}", "{{missing}}"},
		{"embedded placeholder is not substituted", "hello {{status}}", "hello {{status}}"},
		{"plain string", "active", "active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve(tt.value, ec))
		})
	}
}

func TestResolve_NilContext(t *testing.T) {
	assert.Equal(t, "{{status}}", Resolve("{{status}}", nil))
	assert.True(t, IsUnresolved(Resolve("{{status}}", nil)))
}

func TestResolveDeep(t *testing.T) {
	ec := runtime.NewExecutionContext(map[string]interface{}{"id": 7, "name": "Ada"}, nil)

	out := ResolveDeep(map[string]interface{}{
		"id":   "{{id}}",
		"tags": []interface{}{"{{name}}", "static"},
	}, ec)

	assert.Equal(t, map[string]interface{}{
		"id":   7,
		"tags": []interface{}{"Ada", "static"},
	}, out)
}

func TestResolveString(t *testing.T) {
	ec := runtime.NewExecutionContext(map[string]interface{}{"port": 8080}, nil)
	assert.Equal(t, "8080", ResolveString("{{port}}", ec))
	assert.Equal(t, "", ResolveString(nil, ec))
}

func TestResolveIterable(t *testing.T) {
	ec := runtime.NewExecutionContext(
		map[string]interface{}{
			"orders": []interface{}{1, 2},
			"nested": map[string]interface{}{"rows": []interface{}{"a"}},
			"scalar": "x",
		},
		map[string]interface{}{
			"fetch": map[string]interface{}{"body": []interface{}{true}},
			"ids":   []string{"p", "q"},
		},
	)

	tests := []struct {
		name     string
		value    interface{}
		expected []interface{}
	}{
		{"literal array", []interface{}{1, 2, 3}, []interface{}{1, 2, 3}},
		{"typed slice", []int{4, 5}, []interface{}{4, 5}},
		{"$json path", "$json.nested.rows", []interface{}{"a"}},
		{"$input path", "$input.orders", []interface{}{1, 2}},
		{"$node reference", "$node.fetch.body", []interface{}{true}},
		{"placeholder", "{{orders}}", []interface{}{1, 2}},
		{"variable name", "ids", []interface{}{"p", "q"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ResolveIterable(tt.value, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, items)
		})
	}
}

func TestResolveIterable_Errors(t *testing.T) {
	ec := runtime.NewExecutionContext(map[string]interface{}{"scalar": "x"}, nil)

	_, err := ResolveIterable(nil, ec)
	assert.True(t, sdkerrors.IsValidation(err))

	_, err = ResolveIterable("$json.missing", ec)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrUnresolvedExpression)
	assert.Contains(t, err.Error(), "Cannot resolve expression: $json.missing")

	_, err = ResolveIterable("scalar", ec)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsValidation(err))

	_, err = ResolveIterable(42, ec)
	assert.True(t, sdkerrors.IsValidation(err))

	_, err = ResolveIterable([]byte("raw"), ec)
	assert.True(t, sdkerrors.IsValidation(err))
}
