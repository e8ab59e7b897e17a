// Package condition implements the CONDITION node: a comparison of two resolved
// operands, or a set of dot-path field conditions combined with AND/OR.
package condition

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
)

// Handler executes CONDITION nodes.
type Handler struct{}

// NewHandler creates a condition handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Execute evaluates the node's condition.
//
// The left/right shape returns {result, leftValue, rightValue, operator}. The field
// shape returns {conditionMet, results}.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{})
	if err != nil {
		return nil, err
	}

	if cfg.usesFieldShape() {
		return evaluateFields(&cfg, ec)
	}

	left := expression.Resolve(cfg.LeftValue, ec)
	right := expression.Resolve(cfg.RightValue, ec)

	result, err := Compare(left, cfg.Operator, right, cfg.CaseInsensitive)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"result":     result,
		"leftValue":  left,
		"rightValue": right,
		"operator":   string(cfg.Operator),
	}, nil
}

func evaluateFields(cfg *Config, ec *runtime.ExecutionContext) (interface{}, error) {
	conditions := cfg.fieldConditions()
	results := make([]interface{}, 0, len(conditions))
	met := cfg.Logic == LogicAnd

	for _, cond := range conditions {
		actual, found := expression.Lookup(cond.Field, ec)
		expected := expression.Resolve(cond.Value, ec)

		ok, err := Compare(actual, cond.Operator, expected, cond.CaseInsensitive)
		if err != nil {
			return nil, err
		}

		results = append(results, map[string]interface{}{
			"field":    cond.Field,
			"operator": string(cond.Operator),
			"expected": expected,
			"actual":   actual,
			"found":    found,
			"result":   ok,
		})

		if cfg.Logic == LogicAnd {
			met = met && ok
		} else {
			met = met || ok
		}
	}

	return map[string]interface{}{
		"conditionMet": met,
		"results":      results,
	}, nil
}
