package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/loop"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap/zaptest"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []*message.ExecutionRequest
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, req *message.ExecutionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	reg := handlers.NewHandlerRegistry(handlers.Config{})
	t.Cleanup(reg.Close)
	cfg.Logger = zaptest.NewLogger(t)
	return New(runtime.NewNodeExecutor(reg.HandlerRegistry, runtime.ExecutorConfig{}), cfg)
}

func greetingNode() runtime.WorkflowNode {
	return runtime.WorkflowNode{
		ID:   "greet",
		Type: runtime.NodeTypeTransform,
		Config: map[string]interface{}{
			"transformations": []interface{}{
				map[string]interface{}{"outputKey": "greeting", "expression": "{{name}}"},
			},
		},
	}
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) *message.ExecutionResult {
	t.Helper()
	res, err := message.ResultFromBytes(rr.Body.Bytes())
	require.NoError(t, err)
	return res
}

func TestExecute_Sync(t *testing.T) {
	s := newTestServer(t, Config{})

	rr := do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{
		WorkflowID: "wf-1",
		Node:       greetingNode(),
		Context:    message.RequestContext{Input: map[string]interface{}{"name": "ada"}},
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	res := decodeResult(t, rr)
	assert.Equal(t, message.StatusSuccess, res.Status)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.Equal(t, "greet", res.NodeID)
	assert.JSONEq(t, `{"greeting":"ada"}`, string(res.Output))
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		node   runtime.WorkflowNode
		status int
		code   string
	}{
		{
			name:   "unknown node type",
			node:   runtime.WorkflowNode{ID: "n1", Type: "TELEPORT"},
			status: http.StatusBadRequest,
			code:   "NO_HANDLER",
		},
		{
			name: "invalid config",
			node: runtime.WorkflowNode{
				ID:     "c1",
				Type:   runtime.NodeTypeCondition,
				Config: map[string]interface{}{"conditions": "nope"},
			},
			status: http.StatusBadRequest,
			code:   "VALIDATION_FAILED",
		},
	}

	s := newTestServer(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{Node: tt.node})

			assert.Equal(t, tt.status, rr.Code)
			res := decodeResult(t, rr)
			assert.Equal(t, message.StatusFailed, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.False(t, res.Error.Retryable)
		})
	}
}

func TestExecute_LoopAbortReturnsPartialResult(t *testing.T) {
	reg := handlers.NewHandlerRegistry(handlers.Config{
		LoopBody: loop.BodyFunc(func(_ context.Context, _ runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
			item, _ := ec.Variable(runtime.VarItem)
			if item == float64(2) {
				return nil, fmt.Errorf("item %v rejected", item)
			}
			return item, nil
		}),
	})
	t.Cleanup(reg.Close)
	s := New(runtime.NewNodeExecutor(reg.HandlerRegistry, runtime.ExecutorConfig{}), Config{Logger: zaptest.NewLogger(t)})

	rr := do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{
		Node: runtime.WorkflowNode{
			ID:     "loop-1",
			Type:   runtime.NodeTypeLoop,
			Config: map[string]interface{}{"items": []interface{}{1, 2, 3}},
		},
	})

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	res := decodeResult(t, rr)
	assert.Equal(t, message.StatusFailed, res.Status)
	require.NotEmpty(t, res.Partial)

	var partial map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Partial, &partial))
	assert.Equal(t, []interface{}{float64(1), nil}, partial["items"])
	assert.Equal(t, float64(3), partial["count"])
	assert.Equal(t, float64(1), partial["successCount"])
	assert.Equal(t, float64(1), partial["errorCount"])
}

func TestExecute_BadRequests(t *testing.T) {
	s := newTestServer(t, Config{})

	rr := do(t, s.Handler(), http.MethodPost, "/v1/executions", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")

	rr = do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{Node: runtime.WorkflowNode{Type: runtime.NodeTypeDelay}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "node.id is required")

	rr = do(t, s.Handler(), http.MethodGet, "/v1/executions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestExecute_Async(t *testing.T) {
	s := newTestServer(t, Config{})
	rr := do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{Node: greetingNode(), Async: true})
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	sub := &recordingSubmitter{}
	s = newTestServer(t, Config{Submitter: sub})
	rr = do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{
		ExecutionID: "exec-42",
		Node:        greetingNode(),
		Async:       true,
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "exec-42", body["executionId"])
	require.Len(t, sub.reqs, 1)
	assert.Equal(t, "exec-42", sub.reqs[0].ExecutionID)

	sub.err = errors.New("stream unavailable")
	rr = do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{Node: greetingNode(), Async: true})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestExecute_CircuitOpen(t *testing.T) {
	cb := concurrency.NewCircuitBreaker(1, time.Hour)
	cb.RecordFailure()
	limiter := concurrency.NewLimiterWithCircuitBreaker(2, cb)
	s := newTestServer(t, Config{Limiter: limiter})

	rr := do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{Node: greetingNode()})

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	res := decodeResult(t, rr)
	require.NotNil(t, res.Error)
	assert.Equal(t, "CAPACITY_UNAVAILABLE", res.Error.Code)
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t, Config{})
	require.NoError(t, s.RegisterWebhook(runtime.WorkflowNode{
		ID:     "orders",
		Type:   runtime.NodeTypeWebhook,
		Config: map[string]interface{}{"path": "/orders", "method": "post"},
	}))

	rr := do(t, s.Handler(), http.MethodPost, "/v1/webhooks/orders?source=shop", map[string]interface{}{"orderId": "o-1"})
	require.Equal(t, http.StatusOK, rr.Code)

	res := decodeResult(t, rr)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, true, out["triggered"])
	assert.Equal(t, "orders", out["webhookId"])
	assert.Equal(t, "POST", out["method"])
	assert.Equal(t, map[string]interface{}{"orderId": "o-1", "source": "shop"}, out["payload"])

	rr = do(t, s.Handler(), http.MethodGet, "/v1/webhooks/orders", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "POST", rr.Header().Get("Allow"))

	rr = do(t, s.Handler(), http.MethodPost, "/v1/webhooks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegisterWebhook_RejectsOtherNodes(t *testing.T) {
	s := newTestServer(t, Config{})

	err := s.RegisterWebhook(greetingNode())
	assert.Error(t, err)

	err = s.RegisterWebhook(runtime.WorkflowNode{Type: runtime.NodeTypeWebhook})
	assert.Error(t, err)
}

func TestGetExecution(t *testing.T) {
	s := newTestServer(t, Config{})
	rr := do(t, s.Handler(), http.MethodGet, "/v1/executions/exec-1", nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	store, err := storage.NewBadgerStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	s = newTestServer(t, Config{Results: storage.NewResultFileClient(store, nil)})

	rr = do(t, s.Handler(), http.MethodPost, "/v1/executions", ExecuteRequest{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        greetingNode(),
		Context:     message.RequestContext{Input: map[string]interface{}{"name": "ada"}},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s.Handler(), http.MethodGet, "/v1/executions/exec-1?workflowId=wf-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		ExecutionID string                        `json:"executionId"`
		Nodes       map[string]storage.NodeResult `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "exec-1", body.ExecutionID)
	require.Contains(t, body.Nodes, "greet")
	assert.Equal(t, storage.StatusSuccess, body.Nodes["greet"].Meta.Status)

	rr = do(t, s.Handler(), http.MethodGet, "/v1/executions/exec-2?workflowId=wf-1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealth(t *testing.T) {
	healthy := true
	s := newTestServer(t, Config{
		Limiter: concurrency.NewLimiter(1),
		Checks: map[string]HealthCheck{
			"nats": func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("disconnected")
			},
		},
	})

	rr := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"circuit":"closed"`)

	healthy = false
	rr = do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "disconnected")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, concurrency.NewLimiter(3).Register(reg))
	s := newTestServer(t, Config{Gatherer: reg})

	rr := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "daedalus_limiter_capacity 3"))
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/executions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	s := newTestServer(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
