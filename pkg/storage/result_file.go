package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// NodeResultMeta describes one node execution.
type NodeResultMeta struct {
	Status          string    `json:"status"`
	NodeID          string    `json:"node_id"`
	NodeType        string    `json:"node_type"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	FinishedAt      time.Time `json:"finished_at"`
}

// NodeResultError describes why a node failed.
type NodeResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

// NodeResult is the stored form of a node execution.
type NodeResult struct {
	Meta   NodeResultMeta   `json:"_meta"`
	Error  *NodeResultError `json:"_error,omitempty"`
	Output interface{}      `json:"output"`
}

// NewNodeResult builds a NodeResult. A non-nil errInfo marks the result failed.
func NewNodeResult(nodeID, nodeType string, duration time.Duration, output interface{}, errInfo *NodeResultError) *NodeResult {
	status := StatusSuccess
	if errInfo != nil {
		status = StatusFailed
	}
	return &NodeResult{
		Meta: NodeResultMeta{
			Status:          status,
			NodeID:          nodeID,
			NodeType:        nodeType,
			ExecutionTimeMs: duration.Milliseconds(),
			FinishedAt:      time.Now().UTC(),
		},
		Error:  errInfo,
		Output: output,
	}
}

// ResultFile holds every node result of one execution keyed by node id.
type ResultFile map[string]*NodeResult

// ResultFilePath returns the path of an execution's result file.
func ResultFilePath(workflowID, executionID string) string {
	if workflowID == "" {
		workflowID = "adhoc"
	}
	return fmt.Sprintf("results/%s/%s/results.json", workflowID, executionID)
}

// NodeOutputPath returns the path used for an oversized node output.
func NodeOutputPath(workflowID, executionID, nodeID string) string {
	if workflowID == "" {
		workflowID = "adhoc"
	}
	return fmt.Sprintf("results/%s/%s/nodes/%s.json", workflowID, executionID, nodeID)
}

// ResultFileClient maintains per-execution result files on a ResultStore.
type ResultFileClient struct {
	store  ResultStore
	logger *zap.Logger
	mu     sync.Mutex
}

// NewResultFileClient creates a result file client.
func NewResultFileClient(store ResultStore, logger *zap.Logger) *ResultFileClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultFileClient{store: store, logger: logger}
}

// AppendNodeResult adds or replaces a node's entry in the execution's result file
// and returns the file's reference. Appends from one client are serialized.
func (c *ResultFileClient) AppendNodeResult(ctx context.Context, workflowID, executionID, nodeID string, result *NodeResult) (string, error) {
	if c.store == nil {
		return "", fmt.Errorf("result store not initialized")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := ResultFilePath(workflowID, executionID)
	resultFile, err := c.load(ctx, path)
	if errors.Is(err, ErrNotFound) {
		resultFile = make(ResultFile)
	} else if err != nil {
		return "", err
	}

	resultFile[nodeID] = result

	data, err := json.Marshal(resultFile)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result file: %w", err)
	}

	ref, err := c.store.Put(ctx, path, data, map[string]string{
		"workflow_id":   workflowID,
		"execution_id":  executionID,
		"last_node_id":  nodeID,
		"node_count":    strconv.Itoa(len(resultFile)),
		"last_modified": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store result file: %w", err)
	}

	c.logger.Debug("Appended node result",
		zap.String("workflow_id", workflowID),
		zap.String("execution_id", executionID),
		zap.String("node_id", nodeID),
		zap.Int("total_nodes", len(resultFile)),
		zap.Int("size_bytes", len(data)))

	return ref, nil
}

// GetResultFile loads an execution's result file.
func (c *ResultFileClient) GetResultFile(ctx context.Context, workflowID, executionID string) (ResultFile, error) {
	if c.store == nil {
		return nil, fmt.Errorf("result store not initialized")
	}
	return c.load(ctx, ResultFilePath(workflowID, executionID))
}

// GetNodeResult loads one node's entry from an execution's result file.
func (c *ResultFileClient) GetNodeResult(ctx context.Context, workflowID, executionID, nodeID string) (*NodeResult, error) {
	resultFile, err := c.GetResultFile(ctx, workflowID, executionID)
	if err != nil {
		return nil, err
	}
	result, ok := resultFile[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	return result, nil
}

func (c *ResultFileClient) load(ctx context.Context, path string) (ResultFile, error) {
	data, err := c.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	var resultFile ResultFile
	if err := json.Unmarshal(data, &resultFile); err != nil {
		return nil, fmt.Errorf("failed to parse result file %s: %w", path, err)
	}
	if resultFile == nil {
		resultFile = make(ResultFile)
	}
	return resultFile, nil
}
