package condition

import (
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Operator is a comparison operator.
type Operator string

const (
	// Equality operators
	OpEquals          Operator = "equals"
	OpLooseEquals     Operator = "=="
	OpStrictEquals    Operator = "strictEquals"
	OpStrictEqualsSym Operator = "==="
	OpNotEquals       Operator = "!="
	OpStrictNotEquals Operator = "!=="
	OpNotEqualsWord   Operator = "notEquals"

	// Numeric comparison operators
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="

	// String operators
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpRegex       Operator = "regex"

	// Collection operators
	OpIn    Operator = "in"
	OpNotIn Operator = "notIn"

	// Presence operators
	OpIsEmpty    Operator = "isEmpty"
	OpIsNotEmpty Operator = "isNotEmpty"
)

// Logic combines the results of several conditions.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Config is the CONDITION node config. It has two shapes: a single comparison of
// leftValue and rightValue, or one or more field conditions looked up by dot-path.
type Config struct {
	LeftValue       interface{} `json:"leftValue"`
	Operator        Operator    `json:"operator"`
	RightValue      interface{} `json:"rightValue"`
	CaseInsensitive bool        `json:"caseInsensitive"`

	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Conditions []Condition `json:"conditions"`
	Logic      Logic       `json:"logic"`
}

// Condition is a single field comparison of the dot-path shape.
type Condition struct {
	Field           string      `json:"field"`
	Operator        Operator    `json:"operator"`
	Value           interface{} `json:"value"`
	CaseInsensitive bool        `json:"caseInsensitive"`
}

// usesFieldShape reports whether the config is the dot-path shape.
func (c *Config) usesFieldShape() bool {
	return c.Field != "" || len(c.Conditions) > 0
}

// fieldConditions returns the conditions of the dot-path shape. A top-level field
// is evaluated before the conditions list.
func (c *Config) fieldConditions() []Condition {
	conditions := make([]Condition, 0, len(c.Conditions)+1)
	if c.Field != "" {
		conditions = append(conditions, Condition{
			Field:           c.Field,
			Operator:        c.Operator,
			Value:           c.Value,
			CaseInsensitive: c.CaseInsensitive,
		})
	}
	return append(conditions, c.Conditions...)
}

// Validate checks the combination logic and that every field condition names a field.
func (c *Config) Validate() error {
	c.Logic = Logic(strings.ToLower(string(c.Logic)))
	if c.Logic == "" {
		c.Logic = LogicAnd
	}
	if c.Logic != LogicAnd && c.Logic != LogicOr {
		return sdkerrors.Validationf("logic", "invalid logic '%s', must be 'and' or 'or'", c.Logic)
	}
	for i, cond := range c.Conditions {
		if cond.Field == "" {
			return sdkerrors.Validationf("conditions", "condition at index %d: field is required", i)
		}
	}
	return nil
}
