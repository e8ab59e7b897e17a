// Package server exposes node execution over HTTP: synchronous and queued
// execution, webhook trigger ingress, stored results, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/trigger"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

const (
	defaultAddr            = ":8080"
	defaultExecuteTimeout  = time.Minute
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 10 << 20

	codeCapacityUnavailable = "CAPACITY_UNAVAILABLE"
)

// Executor runs a single node. *runtime.NodeExecutor implements it.
type Executor interface {
	Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error)
}

// Submitter queues a request for a worker. *client.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, req *message.ExecutionRequest) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config configures the server. Every field is optional.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// ExecuteTimeout bounds synchronous executions
	ExecuteTimeout time.Duration

	Limiter   *concurrency.Limiter
	Submitter Submitter
	Results   *storage.ResultFileClient
	Gatherer  prometheus.Gatherer
	Checks    map[string]HealthCheck
	Logger    *zap.Logger
}

// Server routes HTTP requests to the node executor.
type Server struct {
	executor Executor
	config   Config
	logger   *zap.Logger
	router   *mux.Router

	mu       sync.RWMutex
	webhooks map[string]runtime.WorkflowNode
}

// New creates a server and registers its routes.
func New(executor Executor, config Config) *Server {
	if config.Addr == "" {
		config.Addr = defaultAddr
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	if config.ExecuteTimeout <= 0 {
		config.ExecuteTimeout = defaultExecuteTimeout
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &Server{
		executor: executor,
		config:   config,
		logger:   config.Logger,
		router:   mux.NewRouter(),
		webhooks: make(map[string]runtime.WorkflowNode),
	}
	s.loadRoutes()
	return s
}

func (s *Server) loadRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(jsonMiddleware)
	api.HandleFunc("/executions", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/executions/{executionId}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{nodeId}", s.handleWebhook)
}

// Handler returns the router wrapped with recovery, CORS and access logging.
func (s *Server) Handler() http.Handler {
	h := handlers.CORS(
		handlers.AllowedOrigins(s.config.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(s.router)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.logger)))(h)
	return handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug("HTTP request",
		zap.String("method", p.Request.Method),
		zap.String("path", p.URL.Path),
		zap.Int("status", p.StatusCode),
		zap.Int("size", p.Size),
		zap.Duration("duration", time.Since(p.TimeStamp)))
}

// RegisterWebhook exposes a WEBHOOK node at /v1/webhooks/{node.ID}.
func (s *Server) RegisterWebhook(node runtime.WorkflowNode) error {
	if node.Type != runtime.NodeTypeWebhook {
		return sdkerrors.Validationf("type", "node %s is %s, not %s", node.ID, node.Type, runtime.NodeTypeWebhook)
	}
	if node.ID == "" {
		return sdkerrors.NewValidationError("id", "webhook node id is required")
	}
	if _, err := runtime.DecodeConfig(node, trigger.WebhookConfig{Method: http.MethodPost}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[node.ID] = node
	return nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.config.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

// ExecuteRequest is the body of POST /v1/executions.
type ExecuteRequest struct {
	ExecutionID string                 `json:"executionId,omitempty"`
	WorkflowID  string                 `json:"workflowId,omitempty"`
	Node        runtime.WorkflowNode   `json:"node"`
	Context     message.RequestContext `json:"context"`
	Credentials runtime.Credentials    `json:"credentials,omitempty"`
	// Async queues the node for a worker instead of running it in the request
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := message.NewExecutionRequest(body.Node, body.Context.Input, body.Context.Variables).
		WithWorkflow(body.WorkflowID).
		WithCredentials(body.Credentials)
	if body.ExecutionID != "" {
		req.ExecutionID = body.ExecutionID
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if body.Async {
		if s.config.Submitter == nil {
			writeError(w, http.StatusNotImplemented, "asynchronous execution is not configured")
			return
		}
		if err := s.config.Submitter.Submit(r.Context(), req); err != nil {
			s.logger.Error("Failed to queue execution request", zap.String("execution_id", req.ExecutionID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "failed to queue execution")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"executionId": req.ExecutionID, "status": "queued"})
		return
	}

	res, status := s.execute(r.Context(), req)
	writeJSON(w, status, res)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]

	s.mu.RLock()
	node, ok := s.webhooks[nodeID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	cfg, err := runtime.DecodeConfig(node, trigger.WebhookConfig{Method: http.MethodPost})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !strings.EqualFold(cfg.Method, r.Method) {
		w.Header().Set("Allow", strings.ToUpper(cfg.Method))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	input := map[string]interface{}{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeBody(w, r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	for key, values := range r.URL.Query() {
		if _, exists := input[key]; !exists && len(values) > 0 {
			input[key] = values[0]
		}
	}

	req := message.NewExecutionRequest(node, input, nil)
	res, status := s.execute(r.Context(), req)
	writeJSON(w, status, res)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.config.Results == nil {
		writeError(w, http.StatusNotImplemented, "result storage is not configured")
		return
	}
	executionID := mux.Vars(r)["executionId"]
	workflowID := r.URL.Query().Get("workflowId")

	file, err := s.config.Results.GetResultFile(r.Context(), workflowID, executionID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load result file", zap.String("execution_id", executionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executionId": executionID,
		"workflowId":  workflowID,
		"nodes":       file,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.config.Checks))
	for name, check := range s.config.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	if s.config.Limiter != nil {
		body["circuit"] = s.config.Limiter.GetCircuitBreakerState().String()
	}
	writeJSON(w, status, body)
}

// execute runs a node synchronously and returns its result with the HTTP status.
func (s *Server) execute(ctx context.Context, req *message.ExecutionRequest) (*message.ExecutionResult, int) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ExecuteTimeout)
	defer cancel()

	var (
		output   interface{}
		execErr  error
		duration time.Duration
	)
	run := func(ctx context.Context) error {
		start := time.Now()
		output, execErr = s.executor.Execute(ctx, req.Node, req.ExecutionContext())
		duration = time.Since(start)
		return nil
	}
	var capacityErr error
	if s.config.Limiter != nil {
		capacityErr = s.config.Limiter.Do(ctx, run)
	} else {
		_ = run(ctx)
	}

	res := message.NewExecutionResult(req, message.StatusSuccess).WithExecutionTime(duration)
	status := http.StatusOK
	switch {
	case capacityErr != nil:
		res.WithError(&message.ResultError{
			Code:      codeCapacityUnavailable,
			Message:   fmt.Sprintf("execution capacity unavailable: %v", capacityErr),
			Type:      sdkerrors.TypeName(capacityErr),
			Retryable: true,
		})
		s.logger.Warn("Rejected execution", zap.String("execution_id", req.ExecutionID), zap.Error(capacityErr))
		return res, http.StatusServiceUnavailable
	case execErr == nil:
		data, err := json.Marshal(output)
		if err != nil {
			execErr = fmt.Errorf("failed to marshal node output: %w", err)
		} else {
			res.WithOutput(data)
		}
	}
	if execErr != nil {
		res.WithError(&message.ResultError{
			Code:      sdkerrors.Code(execErr),
			Message:   execErr.Error(),
			Type:      sdkerrors.CauseTypeName(execErr),
			Retryable: sdkerrors.IsRetryable(execErr),
		}).WithPartial(sdkerrors.PartialResult(execErr))
		status = statusFor(execErr)
	}

	s.record(ctx, req, res, output, duration)
	return res, status
}

func (s *Server) record(ctx context.Context, req *message.ExecutionRequest, res *message.ExecutionResult, output interface{}, duration time.Duration) {
	if s.config.Results == nil {
		return
	}
	var errInfo *storage.NodeResultError
	if res.Error != nil {
		errInfo = &storage.NodeResultError{
			Code:      res.Error.Code,
			Message:   res.Error.Message,
			Type:      res.Error.Type,
			Retryable: res.Error.Retryable,
		}
		output = nil
	}
	nodeResult := storage.NewNodeResult(req.Node.ID, string(req.Node.Type), duration, output, errInfo)
	if _, err := s.config.Results.AppendNodeResult(context.WithoutCancel(ctx), req.WorkflowID, req.ExecutionID, req.Node.ID, nodeResult); err != nil {
		s.logger.Warn("Failed to record node result", zap.String("execution_id", req.ExecutionID), zap.Error(err))
	}
}

func statusFor(err error) int {
	switch sdkerrors.Code(err) {
	case sdkerrors.CodeValidation, sdkerrors.CodeNoHandler:
		return http.StatusBadRequest
	case sdkerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case sdkerrors.CodeExternalService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
