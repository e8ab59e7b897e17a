// Package runner executes workflow nodes delivered over NATS JetStream. It pulls
// execution requests in batches, fans them out to a worker pool, runs each node
// through the NodeExecutor and publishes an execution result for every request it
// settles.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestSource yields execution requests bound to their JetStream delivery.
type RequestSource interface {
	PullRequests(ctx context.Context, consumer string, batchSize int) ([]*message.ExecutionRequest, error)
}

// ResultPublisher publishes execution results.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res *message.ExecutionResult) error
}

// Executor runs a single node. *runtime.NodeExecutor implements it.
type Executor interface {
	Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error)
}

const (
	defaultBatchSize      = 10
	defaultProcessTimeout = 5 * time.Minute
	defaultReportTimeout  = 5 * time.Second
	defaultIdleWait       = 500 * time.Millisecond
)

// Config configures a Runner. Consumer and Workers are required.
type Config struct {
	// Consumer is the durable consumer name on the request stream
	Consumer string
	// BatchSize is how many requests are pulled at once
	BatchSize int
	// Workers is the number of goroutines executing requests
	Workers int
	// ProcessTimeout bounds a single node execution
	ProcessTimeout time.Duration
	// MaxDeliver is the delivery count after which a retryable failure is final.
	// It should match the consumer's MaxDeliver.
	MaxDeliver int
	// HeartbeatInterval, when set, marks long-running requests in progress so
	// JetStream does not redeliver them. Keep it below the consumer's AckWait.
	HeartbeatInterval time.Duration

	// Limiter bounds executions across workers and trips on infrastructure failures
	Limiter *concurrency.Limiter
	// Results records every node outcome in the per-execution result file (optional)
	Results *storage.ResultFileClient
	// Store receives outputs too large to publish inline (optional)
	Store storage.ResultStore
	// Middlewares wrap request handling, outermost first, inside the built-in
	// recovery, logging and validation middlewares
	Middlewares []message.Middleware

	Logger *zap.Logger
	Tracer trace.Tracer
}

// Runner manages concurrent node execution from a JetStream consumer.
type Runner struct {
	source    RequestSource
	publisher ResultPublisher
	executor  Executor
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	handler   message.Handler
	idleWait  time.Duration
}

// NewRunner creates a runner. The source and publisher are usually the same
// *message.MessageService.
func NewRunner(source RequestSource, publisher ResultPublisher, executor Executor, config Config) (*Runner, error) {
	if source == nil {
		return nil, errors.New("request source cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("result publisher cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if config.Consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if config.Workers <= 0 {
		return nil, errors.New("workers must be greater than 0")
	}
	if config.BatchSize < 0 {
		return nil, errors.New("batchSize must not be negative")
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = defaultProcessTimeout
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = 5
	}
	if config.Limiter == nil {
		config.Limiter = concurrency.NewLimiter(config.Workers)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer("daedalus/runner")
	}

	r := &Runner{
		source:    source,
		publisher: publisher,
		executor:  executor,
		config:    config,
		logger:    config.Logger,
		tracer:    config.Tracer,
		idleWait:  defaultIdleWait,
	}

	middlewares := append([]message.Middleware{
		message.RecoveryMiddleware(),
		message.LoggingMiddleware(r.logger),
		message.ValidationMiddleware(),
	}, config.Middlewares...)
	r.handler = message.Chain(middlewares...)(r.handle)

	return r, nil
}

// Run starts the workers and the puller. It blocks until ctx is cancelled and
// every worker has returned, then returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	requests := make(chan *message.ExecutionRequest, r.config.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, requests)
		}(i)
	}

	go func() {
		defer close(requests)
		r.pull(ctx, requests)
	}()

	wg.Wait()
	r.logger.Info("Runner stopped", zap.Error(ctx.Err()))
	return ctx.Err()
}

// pull fetches batches until ctx is done, backing off exponentially on errors.
func (r *Runner) pull(ctx context.Context, out chan<- *message.ExecutionRequest) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	for {
		if ctx.Err() != nil {
			r.logger.Info("Shutting down request puller")
			return
		}

		batch, err := r.source.PullRequests(ctx, r.config.Consumer, r.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			r.logger.Error("Error pulling execution requests", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		bo.Reset()

		if len(batch) == 0 {
			if !sleep(ctx, r.idleWait) {
				return
			}
			continue
		}

		for _, req := range batch {
			select {
			case out <- req:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, requests <-chan *message.ExecutionRequest) {
	r.logger.Debug("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("worker_id", workerID))

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			_ = r.Process(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// Process handles one request synchronously through the middleware chain and
// settles it. A request left unsettled by a failing handler is Nak'd.
func (r *Runner) Process(ctx context.Context, req *message.ExecutionRequest) error {
	ctx, span := r.tracer.Start(ctx, "runner.Process")
	defer span.End()
	if req != nil {
		span.SetAttributes(
			attribute.String("execution.id", req.ExecutionID),
			attribute.String("workflow.id", req.WorkflowID),
			attribute.String("node.id", req.Node.ID),
			attribute.String("node.type", string(req.Node.Type)),
			attribute.Int64("delivery", int64(req.Deliveries())),
		)
	}

	err := r.handler(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if req != nil && !req.Settled() {
			if nakErr := req.Nak(); nakErr != nil {
				r.logger.Error("Error naking execution request",
					zap.String("execution_id", req.ExecutionID),
					zap.Error(nakErr))
			}
		}
		return err
	}
	span.SetStatus(codes.Ok, "request settled")
	return nil
}

// handle executes the node under the limiter. Only infrastructure failures are
// returned; node failures become failed results.
func (r *Runner) handle(ctx context.Context, req *message.ExecutionRequest) error {
	err := r.config.Limiter.Do(ctx, func(ctx context.Context) error {
		return r.execute(ctx, req)
	})
	if errors.Is(err, concurrency.ErrCircuitOpen) {
		r.logger.Warn("Circuit breaker open, returning request to the stream",
			zap.String("execution_id", req.ExecutionID))
	}
	return err
}

func (r *Runner) execute(ctx context.Context, req *message.ExecutionRequest) error {
	stop := r.heartbeat(ctx, req)
	processCtx, cancel := context.WithTimeout(ctx, r.config.ProcessTimeout)
	start := time.Now()
	output, execErr := r.executor.Execute(processCtx, req.Node, req.ExecutionContext())
	duration := time.Since(start)
	cancel()
	stop()

	if execErr != nil && ctx.Err() != nil {
		// shutting down; leave the request for another worker
		return fmt.Errorf("execution interrupted: %w", ctx.Err())
	}

	retryable := sdkerrors.IsRetryable(execErr)
	if retryable && req.Deliveries() > 0 && int(req.Deliveries()) < r.config.MaxDeliver {
		r.logger.Warn("Retryable node failure, requesting redelivery",
			zap.String("execution_id", req.ExecutionID),
			zap.String("node_id", req.Node.ID),
			zap.Uint64("delivery", req.Deliveries()),
			zap.Error(execErr))
		return req.Nak()
	}

	// report on a context that survives shutdown
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReportTimeout)
	defer reportCancel()

	res, err := r.buildResult(reportCtx, req, output, execErr, retryable, duration)
	if err != nil {
		return err
	}
	if err := r.publisher.PublishResult(reportCtx, res); err != nil {
		return err
	}

	if ackErr := req.Ack(); ackErr != nil {
		r.logger.Error("Error acking execution request",
			zap.String("execution_id", req.ExecutionID),
			zap.Error(ackErr))
	}
	return nil
}

// buildResult assembles the execution result, storing oversized outputs and
// recording the node outcome in the result file.
func (r *Runner) buildResult(ctx context.Context, req *message.ExecutionRequest, output interface{}, execErr error, retryable bool, duration time.Duration) (*message.ExecutionResult, error) {
	res := message.NewExecutionResult(req, message.StatusSuccess).WithExecutionTime(duration)

	var (
		stored  interface{}
		errInfo *storage.NodeResultError
	)
	if execErr != nil {
		resErr := resultError(execErr, retryable)
		res.WithError(resErr).WithPartial(sdkerrors.PartialResult(execErr))
		errInfo = &storage.NodeResultError{
			Code:      resErr.Code,
			Message:   resErr.Message,
			Type:      resErr.Type,
			Retryable: resErr.Retryable,
		}
	} else {
		data, err := json.Marshal(output)
		if err != nil {
			res.WithError(&message.ResultError{
				Code:    "OUTPUT_NOT_SERIALIZABLE",
				Message: fmt.Sprintf("failed to marshal node output: %v", err),
				Type:    "Error",
			})
			errInfo = &storage.NodeResultError{Code: "OUTPUT_NOT_SERIALIZABLE", Message: res.Error.Message, Type: "Error"}
		} else if len(data) > message.MaxInlineResultSize && r.config.Store != nil {
			ref, err := r.config.Store.Put(ctx, storage.NodeOutputPath(req.WorkflowID, req.ExecutionID, req.Node.ID), data, map[string]string{
				"execution_id": req.ExecutionID,
				"node_id":      req.Node.ID,
			})
			if err != nil {
				return nil, sdkerrors.NewInternalError("failed to store node output", "OUTPUT_STORE_FAILED", err)
			}
			blob := &message.BlobReference{URL: ref, SizeBytes: len(data)}
			res.WithBlobReference(blob)
			stored = blob
		} else {
			res.WithOutput(data)
			stored = output
		}
	}

	if r.config.Results != nil {
		nodeResult := storage.NewNodeResult(req.Node.ID, string(req.Node.Type), duration, stored, errInfo)
		if _, err := r.config.Results.AppendNodeResult(ctx, req.WorkflowID, req.ExecutionID, req.Node.ID, nodeResult); err != nil {
			return nil, sdkerrors.NewInternalError("failed to record node result", "RESULT_FILE_FAILED", err)
		}
	}

	return res, nil
}

// heartbeat marks the request in progress until the returned stop function is called.
func (r *Runner) heartbeat(ctx context.Context, req *message.ExecutionRequest) func() {
	if r.config.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := req.InProgress(); err != nil {
					r.logger.Debug("Failed to extend ack deadline", zap.String("execution_id", req.ExecutionID), zap.Error(err))
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func resultError(err error, retryable bool) *message.ResultError {
	return &message.ResultError{
		Code:      sdkerrors.Code(err),
		Message:   err.Error(),
		Type:      sdkerrors.CauseTypeName(err),
		Retryable: retryable,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
