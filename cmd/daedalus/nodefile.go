package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"gopkg.in/yaml.v3"
)

// nodeFile is the document accepted by `daedalus exec`. A document without a
// `node` key is read as a bare node.
type nodeFile struct {
	WorkflowID  string                 `json:"workflowId"`
	Node        runtime.WorkflowNode   `json:"node"`
	Input       map[string]interface{} `json:"input"`
	Variables   map[string]interface{} `json:"variables"`
	Credentials runtime.Credentials    `json:"credentials"`
}

// request converts the document into an execution request.
func (f *nodeFile) request() *message.ExecutionRequest {
	return message.NewExecutionRequest(f.Node, f.Input, f.Variables).
		WithWorkflow(f.WorkflowID).
		WithCredentials(f.Credentials)
}

func readNodeFile(path string) (*nodeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node file: %w", err)
	}
	return parseNodeFile(data)
}

// parseNodeFile accepts YAML or JSON; JSON is valid YAML.
func parseNodeFile(data []byte) (*nodeFile, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing node file: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("node file is empty")
	}
	if _, ok := doc["node"]; !ok {
		doc = map[string]interface{}{"node": doc}
	}

	var f nodeFile
	if err := convert(doc, &f); err != nil {
		return nil, fmt.Errorf("parsing node file: %w", err)
	}
	if f.Node.ID == "" || f.Node.Type == "" {
		return nil, fmt.Errorf("node file must set node id and type")
	}
	return &f, nil
}

// readNodeList reads a YAML or JSON list of nodes.
func readNodeList(path string) ([]runtime.WorkflowNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node list: %w", err)
	}
	var doc []interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing node list: %w", err)
	}
	var nodes []runtime.WorkflowNode
	if err := convert(doc, &nodes); err != nil {
		return nil, fmt.Errorf("parsing node list: %w", err)
	}
	return nodes, nil
}

// readValues reads a YAML or JSON object, returning nil for an empty path.
func readValues(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return values, nil
}

// convert moves a decoded YAML tree onto json-tagged types.
func convert(in, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
