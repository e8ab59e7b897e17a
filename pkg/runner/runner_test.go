package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/message/messagetest"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap/zaptest"
)

type recordingAck struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAck) record(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return nil
}

func (a *recordingAck) Ack(...nats.AckOpt) error        { return a.record("ack") }
func (a *recordingAck) Nak(...nats.AckOpt) error        { return a.record("nak") }
func (a *recordingAck) Term(...nats.AckOpt) error       { return a.record("term") }
func (a *recordingAck) InProgress(...nats.AckOpt) error { return a.record("wip") }

func (a *recordingAck) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type executorFunc func(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error)

func (f executorFunc) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	return f(ctx, node, ec)
}

type fakePublisher struct {
	mu      sync.Mutex
	results []*message.ExecutionResult
	errs    []error
}

func (p *fakePublisher) PublishResult(_ context.Context, res *message.ExecutionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.results = append(p.results, res)
	return nil
}

func (p *fakePublisher) Results() []*message.ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.ExecutionResult(nil), p.results...)
}

type fakeSource struct {
	mu      sync.Mutex
	batches [][]*message.ExecutionRequest
	errs    []error
}

func (s *fakeSource) PullRequests(_ context.Context, _ string, _ int) ([]*message.ExecutionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func delayRequest(id string) (*message.ExecutionRequest, *recordingAck) {
	ack := &recordingAck{}
	req := message.NewExecutionRequest(runtime.WorkflowNode{ID: id, Type: runtime.NodeTypeDelay}, map[string]interface{}{"n": 1}, nil).
		WithWorkflow("wf-1").
		Bind(ack)
	return req, ack
}

func newTestRunner(t *testing.T, exec Executor, pub ResultPublisher, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		Consumer: "workers",
		Workers:  2,
		Logger:   zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(&fakeSource{}, pub, exec, cfg)
	require.NoError(t, err)
	return r
}

func newResultStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	store, err := storage.NewBadgerStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRunner_Validation(t *testing.T) {
	exec := executorFunc(func(context.Context, runtime.WorkflowNode, *runtime.ExecutionContext) (interface{}, error) { return nil, nil })
	src, pub := &fakeSource{}, &fakePublisher{}
	valid := Config{Consumer: "workers", Workers: 1}

	tests := []struct {
		name    string
		source  RequestSource
		pub     ResultPublisher
		exec    Executor
		config  Config
		wantErr string
	}{
		{"nil source", nil, pub, exec, valid, "request source cannot be nil"},
		{"nil publisher", src, nil, exec, valid, "result publisher cannot be nil"},
		{"nil executor", src, pub, nil, valid, "executor cannot be nil"},
		{"no consumer", src, pub, exec, Config{Workers: 1}, "consumer name cannot be empty"},
		{"no workers", src, pub, exec, Config{Consumer: "workers"}, "workers must be greater than 0"},
		{"negative batch", src, pub, exec, Config{Consumer: "workers", Workers: 1, BatchSize: -1}, "batchSize must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.source, tt.pub, tt.exec, tt.config)
			assert.EqualError(t, err, tt.wantErr)
		})
	}

	r, err := NewRunner(src, pub, exec, valid)
	require.NoError(t, err)
	assert.Equal(t, defaultBatchSize, r.config.BatchSize)
	assert.Equal(t, defaultProcessTimeout, r.config.ProcessTimeout)
	assert.Equal(t, 5, r.config.MaxDeliver)
	assert.NotNil(t, r.config.Limiter)
}

func TestProcess_Success(t *testing.T) {
	store := newResultStore(t)
	results := storage.NewResultFileClient(store, nil)
	pub := &fakePublisher{}

	var seen *runtime.ExecutionContext
	exec := executorFunc(func(_ context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
		seen = ec
		return map[string]interface{}{"delayed": true, "node": node.ID}, nil
	})
	r := newTestRunner(t, exec, pub, func(c *Config) { c.Results = results })

	req, ack := delayRequest("d1")
	require.NoError(t, r.Process(context.Background(), req))

	assert.Equal(t, []string{"ack"}, ack.Calls())
	require.NotNil(t, seen)
	assert.Equal(t, req.ExecutionID, seen.ExecutionID())
	assert.Equal(t, 1, seen.Input["n"])

	published := pub.Results()
	require.Len(t, published, 1)
	res := published[0]
	assert.True(t, res.IsSuccess())
	assert.Equal(t, req.ExecutionID, res.ExecutionID)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.Equal(t, "d1", res.NodeID)
	assert.JSONEq(t, `{"delayed":true,"node":"d1"}`, string(res.Output))

	stored, err := results.GetNodeResult(context.Background(), "wf-1", req.ExecutionID, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, stored.Meta.Status)
	assert.Equal(t, "DELAY", stored.Meta.NodeType)
}

func TestProcess_PermanentFailure(t *testing.T) {
	store := newResultStore(t)
	results := storage.NewResultFileClient(store, nil)
	pub := &fakePublisher{}
	exec := executorFunc(func(_ context.Context, node runtime.WorkflowNode, _ *runtime.ExecutionContext) (interface{}, error) {
		return nil, sdkerrors.NewWorkflowExecutionError("Node execution failed: bad", node.ID,
			sdkerrors.NewValidationError("seconds", "seconds must be positive"))
	})
	r := newTestRunner(t, exec, pub, func(c *Config) { c.Results = results })

	req, ack := delayRequest("d1")
	req.WithDeliveries(1)
	require.NoError(t, r.Process(context.Background(), req))

	assert.Equal(t, []string{"ack"}, ack.Calls())
	published := pub.Results()
	require.Len(t, published, 1)
	res := published[0]
	assert.False(t, res.IsSuccess())
	require.NotNil(t, res.Error)
	assert.Equal(t, "VALIDATION_FAILED", res.Error.Code)
	assert.Equal(t, "ValidationError", res.Error.Type)
	assert.False(t, res.IsRetryable())

	stored, err := results.GetNodeResult(context.Background(), "wf-1", req.ExecutionID, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, stored.Meta.Status)
	assert.Equal(t, "VALIDATION_FAILED", stored.Error.Code)
}

func TestProcess_FailureCarriesPartialResult(t *testing.T) {
	pub := &fakePublisher{}
	exec := executorFunc(func(_ context.Context, node runtime.WorkflowNode, _ *runtime.ExecutionContext) (interface{}, error) {
		return nil, &sdkerrors.WorkflowExecutionError{
			Message: "Node execution failed: item rejected",
			NodeID:  node.ID,
			Err:     sdkerrors.NewValidationError("items", "item rejected"),
			Partial: map[string]interface{}{"items": []interface{}{1}, "successCount": 1, "errorCount": 1},
		}
	})
	r := newTestRunner(t, exec, pub, nil)

	req, ack := delayRequest("d1")
	req.WithDeliveries(1)
	require.NoError(t, r.Process(context.Background(), req))

	assert.Equal(t, []string{"ack"}, ack.Calls())
	published := pub.Results()
	require.Len(t, published, 1)
	assert.False(t, published[0].IsSuccess())
	assert.JSONEq(t, `{"items":[1],"successCount":1,"errorCount":1}`, string(published[0].Partial))
}

func TestProcess_RetryableFailure(t *testing.T) {
	unavailable := &sdkerrors.ExternalServiceError{Service: "HTTP", StatusCode: 503, Status: "Service Unavailable", Message: "try later"}
	exec := executorFunc(func(_ context.Context, node runtime.WorkflowNode, _ *runtime.ExecutionContext) (interface{}, error) {
		return nil, sdkerrors.NewWorkflowExecutionError("Node execution failed", node.ID, unavailable)
	})

	t.Run("redelivered while attempts remain", func(t *testing.T) {
		pub := &fakePublisher{}
		r := newTestRunner(t, exec, pub, func(c *Config) { c.MaxDeliver = 3 })

		req, ack := delayRequest("h1")
		req.WithDeliveries(1)
		require.NoError(t, r.Process(context.Background(), req))

		assert.Equal(t, []string{"nak"}, ack.Calls())
		assert.Empty(t, pub.Results())
	})

	t.Run("final on the last delivery", func(t *testing.T) {
		pub := &fakePublisher{}
		r := newTestRunner(t, exec, pub, func(c *Config) { c.MaxDeliver = 3 })

		req, ack := delayRequest("h1")
		req.WithDeliveries(3)
		require.NoError(t, r.Process(context.Background(), req))

		assert.Equal(t, []string{"ack"}, ack.Calls())
		published := pub.Results()
		require.Len(t, published, 1)
		assert.True(t, published[0].IsRetryable())
		assert.Equal(t, "EXTERNAL_SERVICE_ERROR", published[0].Error.Code)
		assert.Equal(t, "ExternalServiceError", published[0].Error.Type)
	})
}

func TestProcess_Timeout(t *testing.T) {
	pub := &fakePublisher{}
	exec := executorFunc(func(ctx context.Context, _ runtime.WorkflowNode, _ *runtime.ExecutionContext) (interface{}, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("delay interrupted: %w", ctx.Err())
	})
	r := newTestRunner(t, exec, pub, func(c *Config) { c.ProcessTimeout = 20 * time.Millisecond })

	req, ack := delayRequest("d1")
	require.NoError(t, r.Process(context.Background(), req))

	assert.Equal(t, []string{"ack"}, ack.Calls())
	published := pub.Results()
	require.Len(t, published, 1)
	assert.Equal(t, "TIMEOUT", published[0].Error.Code)
	assert.True(t, published[0].Error.Retryable)
}

func TestProcess_InvalidRequestTerminated(t *testing.T) {
	called := false
	exec := executorFunc(func(context.Context, runtime.WorkflowNode, *runtime.ExecutionContext) (interface{}, error) {
		called = true
		return nil, nil
	})
	pub := &fakePublisher{}
	r := newTestRunner(t, exec, pub, nil)

	ack := &recordingAck{}
	req := (&message.ExecutionRequest{ExecutionID: "e-1", Node: runtime.WorkflowNode{ID: "n"}}).Bind(ack)
	err := r.Process(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidMessage)

	assert.False(t, called)
	assert.Equal(t, []string{"term"}, ack.Calls())
	assert.Empty(t, pub.Results())
}

func TestProcess_PublishFailureNaks(t *testing.T) {
	boom := errors.New("result stream unavailable")
	pub := &fakePublisher{errs: []error{boom}}
	exec := executorFunc(func(context.Context, runtime.WorkflowNode, *runtime.ExecutionContext) (interface{}, error) {
		return "ok", nil
	})
	r := newTestRunner(t, exec, pub, nil)

	req, ack := delayRequest("d1")
	err := r.Process(context.Background(), req)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"nak"}, ack.Calls())
}

func TestProcess_CircuitOpen(t *testing.T) {
	boom := errors.New("result stream unavailable")
	pub := &fakePublisher{errs: []error{boom}}
	calls := 0
	exec := executorFunc(func(context.Context, runtime.WorkflowNode, *runtime.ExecutionContext) (interface{}, error) {
		calls++
		return "ok", nil
	})
	limiter := concurrency.NewLimiterWithCircuitBreaker(1, concurrency.NewCircuitBreaker(1, time.Hour))
	r := newTestRunner(t, exec, pub, func(c *Config) { c.Limiter = limiter })

	first, firstAck := delayRequest("d1")
	assert.Error(t, r.Process(context.Background(), first))
	assert.Equal(t, []string{"nak"}, firstAck.Calls())

	second, secondAck := delayRequest("d2")
	assert.ErrorIs(t, r.Process(context.Background(), second), concurrency.ErrCircuitOpen)
	assert.Equal(t, []string{"nak"}, secondAck.Calls())
	assert.Equal(t, 1, calls)
}

func TestProcess_LargeOutputStored(t *testing.T) {
	store := newResultStore(t)
	pub := &fakePublisher{}
	big := strings.Repeat("x", 2*1024*1024)
	exec := executorFunc(func(context.Context, runtime.WorkflowNode, *runtime.ExecutionContext) (interface{}, error) {
		return map[string]interface{}{"csv": big}, nil
	})
	r := newTestRunner(t, exec, pub, func(c *Config) { c.Store = store })

	req, ack := delayRequest("export")
	require.NoError(t, r.Process(context.Background(), req))
	assert.Equal(t, []string{"ack"}, ack.Calls())

	published := pub.Results()
	require.Len(t, published, 1)
	res := published[0]
	require.True(t, res.HasBlobReference())
	assert.Nil(t, res.Output)
	assert.True(t, strings.HasPrefix(res.BlobReference.URL, storage.BadgerReferencePrefix))
	assert.Greater(t, res.BlobReference.SizeBytes, int(message.MaxInlineResultSize))

	data, err := store.Get(context.Background(), res.BlobReference.URL)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded["csv"], len(big))
}

func TestProcess_Heartbeat(t *testing.T) {
	exec := executorFunc(func(context.Context, runtime.WorkflowNode, *runtime.ExecutionContext) (interface{}, error) {
		time.Sleep(60 * time.Millisecond)
		return "done", nil
	})
	r := newTestRunner(t, exec, &fakePublisher{}, func(c *Config) { c.HeartbeatInterval = 10 * time.Millisecond })

	req, ack := delayRequest("slow")
	require.NoError(t, r.Process(context.Background(), req))

	calls := ack.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "ack", calls[len(calls)-1])
	assert.Contains(t, calls, "wip")
}

func TestRun_DrainsSource(t *testing.T) {
	reqA, ackA := delayRequest("a")
	reqB, ackB := delayRequest("b")
	reqC, ackC := delayRequest("c")
	source := &fakeSource{
		errs:    []error{errors.New("no responders")},
		batches: [][]*message.ExecutionRequest{{reqA, reqB}, {reqC}},
	}
	pub := &fakePublisher{}
	exec := executorFunc(func(_ context.Context, node runtime.WorkflowNode, _ *runtime.ExecutionContext) (interface{}, error) {
		return node.ID, nil
	})

	r, err := NewRunner(source, pub, exec, Config{Consumer: "workers", Workers: 2, BatchSize: 2, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	r.idleWait = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.Results()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	for _, ack := range []*recordingAck{ackA, ackB, ackC} {
		assert.Equal(t, []string{"ack"}, ack.Calls())
	}
}

func TestRun_EndToEndOverJetStream(t *testing.T) {
	js := messagetest.NewMockJS()
	js.FetchSubject = "daedalus.execution.request"
	svc, err := message.NewMessageService(js, message.ServiceConfig{FetchTimeout: 10 * time.Millisecond, RetryInterval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, svc.EnsureTopology("workers"))

	registry := handlers.NewHandlerRegistry(handlers.Config{})
	defer registry.Close()
	executor := runtime.NewNodeExecutor(registry.HandlerRegistry, runtime.DefaultExecutorConfig())

	node := runtime.WorkflowNode{
		ID:   "greet",
		Type: runtime.NodeTypeTransform,
		Config: map[string]interface{}{
			"transformations": []interface{}{
				map[string]interface{}{"outputKey": "greeting", "expression": "{{name}}"},
			},
		},
	}
	req := message.NewExecutionRequest(node, map[string]interface{}{"name": "ada"}, nil)
	require.NoError(t, svc.PublishRequest(context.Background(), req))

	r, err := NewRunner(svc, svc, executor, Config{Consumer: "workers", Workers: 1, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	r.idleWait = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(js.Published("daedalus.execution.result")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	res, err := message.ResultFromBytes(js.Published("daedalus.execution.result")[0])
	require.NoError(t, err)
	assert.Equal(t, req.ExecutionID, res.ExecutionID)
	assert.Equal(t, message.StatusSuccess, res.Status)
	assert.JSONEq(t, `{"greeting":"ada"}`, string(res.Output))
}
