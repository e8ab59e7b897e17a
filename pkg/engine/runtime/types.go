package runtime

import (
	"time"
)

// NodeType identifies the handler that executes a node.
type NodeType string

const (
	// Logic nodes
	NodeTypeCondition NodeType = "CONDITION"
	NodeTypeLoop      NodeType = "LOOP"
	NodeTypeDelay     NodeType = "DELAY"

	// Data nodes
	NodeTypeTransform NodeType = "TRANSFORM"
	NodeTypeCSVImport NodeType = "CSV_IMPORT"
	NodeTypeCSVExport NodeType = "CSV_EXPORT"
	NodeTypeCode      NodeType = "CODE"

	// Action nodes
	NodeTypeHTTPRequest   NodeType = "HTTP_REQUEST"
	NodeTypeDatabaseQuery NodeType = "DATABASE_QUERY"

	// Trigger nodes
	NodeTypeSchedule      NodeType = "SCHEDULE"
	NodeTypeWebhook       NodeType = "WEBHOOK"
	NodeTypeDatabaseWatch NodeType = "DATABASE_WATCH"
	NodeTypeErrorTrigger  NodeType = "ERROR_TRIGGER"
)

// Well-known variable names.
const (
	VarItem        = "$item"
	VarIndex       = "$index"
	VarIteration   = "$iteration"
	VarLength      = "$length"
	VarIsFirst     = "$isFirst"
	VarIsLast      = "$isLast"
	VarError       = "$error"
	VarFailedNode  = "$failedNode"
	VarWorkflowID  = "$workflowId"
	VarExecutionID = "$executionId"
)

// Position is the UI placement of a node. Execution ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// WorkflowNode is a single typed step of a workflow graph. It is immutable for the
// duration of an execution; Config may hold expression placeholders.
type WorkflowNode struct {
	ID       string                 `json:"id" yaml:"id"`
	Type     NodeType               `json:"type" yaml:"type"`
	Name     string                 `json:"name" yaml:"name"`
	Config   map[string]interface{} `json:"config" yaml:"config"`
	Position *Position              `json:"position,omitempty" yaml:"position,omitempty"`
}

// Credentials holds per-run secrets keyed by "<service>Key" (for example "postgresKey").
type Credentials map[string]string

// Lookup returns the credential for a service. A non-empty value set directly on the
// node config under configKey wins over the run-scoped credential.
func (c Credentials) Lookup(config map[string]interface{}, configKey, service string) (string, bool) {
	if v, ok := config[configKey].(string); ok && v != "" {
		return v, true
	}
	if c == nil {
		return "", false
	}
	v, ok := c[service+"Key"]
	return v, ok && v != ""
}

// ExecutionContext is the {input, variables} bag threaded through node execution.
// Variables shadow Input during expression resolution.
type ExecutionContext struct {
	Input       map[string]interface{} `json:"input"`
	Variables   map[string]interface{} `json:"variables"`
	Credentials Credentials            `json:"-"`
}

// NewExecutionContext creates a context with non-nil maps.
func NewExecutionContext(input, variables map[string]interface{}) *ExecutionContext {
	if input == nil {
		input = make(map[string]interface{})
	}
	if variables == nil {
		variables = make(map[string]interface{})
	}
	return &ExecutionContext{Input: input, Variables: variables}
}

// WithVariables returns a new context whose variables are a copy of the receiver's
// with overlay layered on top. The receiver is left untouched.
func (c *ExecutionContext) WithVariables(overlay map[string]interface{}) *ExecutionContext {
	vars := make(map[string]interface{}, len(c.Variables)+len(overlay))
	for k, v := range c.Variables {
		vars[k] = v
	}
	for k, v := range overlay {
		vars[k] = v
	}
	return &ExecutionContext{
		Input:       c.Input,
		Variables:   vars,
		Credentials: c.Credentials,
	}
}

// Variable returns a variable by name.
func (c *ExecutionContext) Variable(name string) (interface{}, bool) {
	if c == nil || c.Variables == nil {
		return nil, false
	}
	v, ok := c.Variables[name]
	return v, ok
}

// ExecutionID returns the $executionId variable when present.
func (c *ExecutionContext) ExecutionID() string {
	if v, ok := c.Variable(VarExecutionID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Timestamp is the format trigger envelopes use for their timestamp field.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
