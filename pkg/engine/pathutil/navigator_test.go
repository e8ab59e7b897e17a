package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	assert.Nil(t, Split(""))
	assert.Equal(t, []string{"user", "email"}, Split("user.email"))
	assert.Equal(t, []string{"items", "0", "name"}, Split("items[0].name"))
	assert.Equal(t, []string{"a", "b"}, Split(".a..b."))
}

func TestGet(t *testing.T) {
	root := map[string]interface{}{
		"name": "John",
		"age":  float64(30),
		"user": map[string]interface{}{
			"email": "john@example.com",
		},
		"items": []interface{}{
			map[string]interface{}{"sku": "A-1"},
			map[string]interface{}{"sku": "B-2"},
		},
		"tags":    []string{"x", "y"},
		"payload": `{"order":{"id":42,"lines":[{"qty":2}]}}`,
	}

	tests := []struct {
		name     string
		path     string
		expected interface{}
		exists   bool
	}{
		{name: "top level field", path: "name", expected: "John", exists: true},
		{name: "number", path: "age", expected: float64(30), exists: true},
		{name: "nested field", path: "user.email", expected: "john@example.com", exists: true},
		{name: "array index", path: "items.1.sku", expected: "B-2", exists: true},
		{name: "bracket index", path: "items[0].sku", expected: "A-1", exists: true},
		{name: "string slice", path: "tags.1", expected: "y", exists: true},
		{name: "index out of range", path: "items.5", exists: false},
		{name: "negative index", path: "items.-1", exists: false},
		{name: "missing field", path: "user.phone", exists: false},
		{name: "raw json string", path: "payload.order.id", expected: float64(42), exists: true},
		{name: "raw json array", path: "payload.order.lines.0.qty", expected: float64(2), exists: true},
		{name: "raw json missing", path: "payload.order.total", exists: false},
		{name: "scalar has no children", path: "name.first", exists: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, exists := Get(root, tt.path)

			assert.Equal(t, tt.exists, exists)
			if exists {
				assert.Equal(t, tt.expected, value)
			}
		})
	}
}

func TestGet_EmptyPathReturnsRoot(t *testing.T) {
	root := map[string]interface{}{"a": 1}
	value, ok := Get(root, "")
	assert.True(t, ok)
	assert.Equal(t, root, value)
}
