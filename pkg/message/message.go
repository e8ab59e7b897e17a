package message

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// MaxInlineResultSize is the largest output carried inline on the result subject.
// Larger outputs go to the result store and travel as a BlobReference.
const MaxInlineResultSize = 1.5 * 1024 * 1024

// Acknowledger settles a delivered message. *nats.Msg implements it.
type Acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

// RequestContext is the {input, variables} bag a node runs against.
type RequestContext struct {
	Input     map[string]interface{} `json:"input"`
	Variables map[string]interface{} `json:"variables"`
}

// ExecutionRequest asks a worker to execute one node.
type ExecutionRequest struct {
	CorrelationID string               `json:"correlationId,omitempty"`
	ExecutionID   string               `json:"executionId"`
	WorkflowID    string               `json:"workflowId,omitempty"`
	Node          runtime.WorkflowNode `json:"node"`
	Context       RequestContext       `json:"context"`
	Credentials   runtime.Credentials  `json:"credentials,omitempty"`
	CreatedAt     string               `json:"createdAt"`

	ack        Acknowledger
	deliveries uint64
	settled    bool
}

// NewExecutionRequest creates a request with a fresh execution id.
func NewExecutionRequest(node runtime.WorkflowNode, input, variables map[string]interface{}) *ExecutionRequest {
	return &ExecutionRequest{
		ExecutionID: uuid.NewString(),
		Node:        node,
		Context:     RequestContext{Input: input, Variables: variables},
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// WithWorkflow sets the workflow the request belongs to.
func (r *ExecutionRequest) WithWorkflow(workflowID string) *ExecutionRequest {
	r.WorkflowID = workflowID
	return r
}

// WithCredentials attaches run-scoped credentials.
func (r *ExecutionRequest) WithCredentials(creds runtime.Credentials) *ExecutionRequest {
	r.Credentials = creds
	return r
}

// WithCorrelationID sets the correlation id echoed on the result.
func (r *ExecutionRequest) WithCorrelationID(correlationID string) *ExecutionRequest {
	r.CorrelationID = correlationID
	return r
}

// Validate checks the fields a worker needs.
func (r *ExecutionRequest) Validate() error {
	if r.ExecutionID == "" {
		return fmt.Errorf("%w: executionId is required", sdkerrors.ErrInvalidMessage)
	}
	if r.Node.ID == "" {
		return fmt.Errorf("%w: node.id is required", sdkerrors.ErrInvalidMessage)
	}
	if r.Node.Type == "" {
		return fmt.Errorf("%w: node.type is required", sdkerrors.ErrInvalidMessage)
	}
	return nil
}

// ExecutionContext builds the runtime context, seeding $executionId and
// $workflowId when the caller did not set them.
func (r *ExecutionRequest) ExecutionContext() *runtime.ExecutionContext {
	ec := runtime.NewExecutionContext(r.Context.Input, nil).WithVariables(r.Context.Variables)
	if _, ok := ec.Variables[runtime.VarExecutionID]; !ok && r.ExecutionID != "" {
		ec.Variables[runtime.VarExecutionID] = r.ExecutionID
	}
	if _, ok := ec.Variables[runtime.VarWorkflowID]; !ok && r.WorkflowID != "" {
		ec.Variables[runtime.VarWorkflowID] = r.WorkflowID
	}
	ec.Credentials = r.Credentials
	return ec
}

// Bind attaches the acknowledger used by Ack, Nak, Term and InProgress.
func (r *ExecutionRequest) Bind(ack Acknowledger) *ExecutionRequest {
	r.ack = ack
	return r
}

// Deliveries returns how many times JetStream has delivered this request, or 0
// when unknown.
func (r *ExecutionRequest) Deliveries() uint64 {
	return r.deliveries
}

// WithDeliveries sets the delivery count for requests not decoded from a
// JetStream message.
func (r *ExecutionRequest) WithDeliveries(n uint64) *ExecutionRequest {
	r.deliveries = n
	return r
}

// Settled reports whether Ack, Nak or Term has been called.
func (r *ExecutionRequest) Settled() bool {
	return r.settled
}

// Ack acknowledges the request. Unbound requests ack as a no-op.
func (r *ExecutionRequest) Ack() error {
	r.settled = true
	if r.ack == nil {
		return nil
	}
	return r.ack.Ack()
}

// Nak asks JetStream to redeliver the request.
func (r *ExecutionRequest) Nak() error {
	r.settled = true
	if r.ack == nil {
		return nil
	}
	return r.ack.Nak()
}

// Term stops redelivery of the request.
func (r *ExecutionRequest) Term() error {
	r.settled = true
	if r.ack == nil {
		return nil
	}
	return r.ack.Term()
}

// InProgress resets the redelivery timer for a long-running request.
func (r *ExecutionRequest) InProgress() error {
	if r.ack == nil {
		return nil
	}
	return r.ack.InProgress()
}

// ToBytes serializes the request to JSON.
func (r *ExecutionRequest) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// RequestFromBytes deserializes a request.
func RequestFromBytes(data []byte) (*ExecutionRequest, error) {
	var r ExecutionRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution request: %w", err)
	}
	return &r, nil
}

// RequestFromNATSMsg decodes a request and binds it to the delivered message.
func RequestFromNATSMsg(msg *nats.Msg) (*ExecutionRequest, error) {
	r, err := RequestFromBytes(msg.Data)
	if err != nil {
		return nil, err
	}
	r.Bind(msg)
	if meta, err := msg.Metadata(); err == nil {
		r.deliveries = meta.NumDelivered
	}
	return r, nil
}

// BlobReference points at an output stored out of band.
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"sizeBytes"`
}

// ResultError describes a failed execution.
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

// ExecutionResult reports the outcome of one node execution.
type ExecutionResult struct {
	CorrelationID   string          `json:"correlationId,omitempty"`
	ExecutionID     string          `json:"executionId"`
	WorkflowID      string          `json:"workflowId,omitempty"`
	NodeID          string          `json:"nodeId"`
	NodeType        string          `json:"nodeType"`
	Status          string          `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	BlobReference   *BlobReference  `json:"blobReference,omitempty"`
	Error           *ResultError    `json:"error,omitempty"`
	Partial         json.RawMessage `json:"partial,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	Timestamp       string          `json:"timestamp"`
}

// NewExecutionResult creates a result for the node of a request.
func NewExecutionResult(req *ExecutionRequest, status string) *ExecutionResult {
	return &ExecutionResult{
		CorrelationID: req.CorrelationID,
		ExecutionID:   req.ExecutionID,
		WorkflowID:    req.WorkflowID,
		NodeID:        req.Node.ID,
		NodeType:      string(req.Node.Type),
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// WithOutput sets the inline output.
func (r *ExecutionResult) WithOutput(output json.RawMessage) *ExecutionResult {
	r.Output = output
	return r
}

// WithBlobReference replaces the inline output with a reference.
func (r *ExecutionResult) WithBlobReference(ref *BlobReference) *ExecutionResult {
	r.Output = nil
	r.BlobReference = ref
	return r
}

// WithError sets the error and marks the result failed.
func (r *ExecutionResult) WithError(err *ResultError) *ExecutionResult {
	r.Error = err
	r.Status = StatusFailed
	return r
}

// WithPartial sets the output a failed node produced before it stopped. Values
// that cannot be marshaled are dropped.
func (r *ExecutionResult) WithPartial(partial interface{}) *ExecutionResult {
	if partial == nil {
		return r
	}
	if data, err := json.Marshal(partial); err == nil {
		r.Partial = data
	}
	return r
}

// WithExecutionTime sets the execution duration.
func (r *ExecutionResult) WithExecutionTime(d time.Duration) *ExecutionResult {
	r.ExecutionTimeMs = d.Milliseconds()
	return r
}

// IsSuccess reports whether the node succeeded.
func (r *ExecutionResult) IsSuccess() bool { return r.Status == StatusSuccess }

// IsRetryable reports whether a failed node may be retried.
func (r *ExecutionResult) IsRetryable() bool { return r.Error != nil && r.Error.Retryable }

// HasBlobReference reports whether the output lives in the result store.
func (r *ExecutionResult) HasBlobReference() bool { return r.BlobReference != nil }

// ToBytes serializes the result to JSON.
func (r *ExecutionResult) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultFromBytes deserializes a result.
func ResultFromBytes(data []byte) (*ExecutionResult, error) {
	var r ExecutionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution result: %w", err)
	}
	return &r, nil
}
