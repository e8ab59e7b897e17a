// Package transform implements the TRANSFORM node, which builds an object from a list
// of outputKey/expression pairs.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Transformation assigns the value of Expression to OutputKey.
type Transformation struct {
	OutputKey  string      `json:"outputKey"`
	Expression interface{} `json:"expression"`
}

// Config is the TRANSFORM node config.
type Config struct {
	Transformations []Transformation `json:"transformations"`
	// NestedKeys reads a dotted outputKey as an object path; numeric segments
	// address array elements
	NestedKeys bool `json:"nestedKeys"`
}

// Handler executes TRANSFORM nodes.
type Handler struct{}

// NewHandler creates a transform handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Execute evaluates every transformation and returns the resulting object. Entries
// without an outputKey or expression are skipped.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{})
	if err != nil {
		return nil, err
	}
	if cfg.NestedKeys {
		return nested(cfg.Transformations, ec)
	}

	result := make(map[string]interface{}, len(cfg.Transformations))
	for _, t := range cfg.Transformations {
		if skip(t) {
			continue
		}
		result[t.OutputKey] = Evaluate(t.Expression, ec)
	}
	return result, nil
}

func nested(transformations []Transformation, ec *runtime.ExecutionContext) (map[string]interface{}, error) {
	doc := []byte("{}")
	for _, t := range transformations {
		if skip(t) {
			continue
		}

		var err error
		doc, err = sjson.SetBytes(doc, escapeKey(t.OutputKey), Evaluate(t.Expression, ec))
		if err != nil {
			return nil, sdkerrors.WrapValidation("transformations",
				fmt.Sprintf("cannot assign output key %q", t.OutputKey), err)
		}
	}

	var result map[string]interface{}
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to decode transform result: %w", err)
	}
	return result, nil
}

func skip(t Transformation) bool {
	return strings.TrimSpace(t.OutputKey) == "" || isBlank(t.Expression)
}

// Evaluate resolves a transformation expression. A resolved placeholder yields the
// context value; an unresolved string is parsed as JSON when valid and returned as
// the literal otherwise.
func Evaluate(expr interface{}, ec *runtime.ExecutionContext) interface{} {
	resolved := expression.Resolve(expr, ec)

	s, ok := resolved.(string)
	if !ok || s != expr {
		return resolved
	}

	trimmed := strings.TrimSpace(s)
	if trimmed != "" && gjson.Valid(trimmed) {
		return gjson.Parse(trimmed).Value()
	}
	return s
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// escapeKey keeps dots as path separators and escapes the other sjson metacharacters.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
