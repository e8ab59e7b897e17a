package message

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handler processes one execution request. Handlers settle the request with
// Ack, Nak or Term; an unsettled request is redelivered after the ack wait.
type Handler func(ctx context.Context, req *ExecutionRequest) error

// Middleware wraps a handler.
type Middleware func(Handler) Handler

// Chain composes middlewares so the first one runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in the handler into an error.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *ExecutionRequest) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware logs the start and outcome of every request.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *ExecutionRequest) error {
			fields := []zap.Field{
				zap.String("execution_id", req.ExecutionID),
				zap.String("node_id", req.Node.ID),
				zap.String("node_type", string(req.Node.Type)),
			}
			if req.WorkflowID != "" {
				fields = append(fields, zap.String("workflow_id", req.WorkflowID))
			}
			if d := req.Deliveries(); d > 1 {
				fields = append(fields, zap.Uint64("delivery", d))
			}

			logger.Debug("Processing execution request", fields...)
			err := next(ctx, req)
			if err != nil {
				logger.Error("Error processing execution request", append(fields, zap.Error(err))...)
			}
			return err
		}
	}
}

// ValidationMiddleware terminates requests missing required fields so they are
// never redelivered.
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *ExecutionRequest) error {
			if req == nil {
				return fmt.Errorf("execution request is nil")
			}
			if err := req.Validate(); err != nil {
				_ = req.Term()
				return err
			}
			return next(ctx, req)
		}
	}
}
