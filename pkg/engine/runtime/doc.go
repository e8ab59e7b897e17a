// Package runtime provides the core types of the workflow execution core: the node
// model, the execution context, the handler interface and the node executor.
//
// # Execution Model
//
// A WorkflowNode is executed against an ExecutionContext of {Input, Variables}. The
// NodeExecutor looks up the handler registered for the node's type in a
// HandlerRegistry, invokes it and returns its result unchanged. Failures come back as
// *errors.WorkflowExecutionError tagged with the failing node id.
//
// The registry is assembled once, before the executor is built. Every node type has
// exactly one handler:
//
//	registry := runtime.NewHandlerRegistry()
//	registry.MustRegister(runtime.NodeTypeDelay, delay.NewHandler())
//	executor := runtime.NewNodeExecutor(registry, runtime.DefaultExecutorConfig().WithLogger(logger))
//
//	result, err := executor.Execute(ctx, node, runtime.NewExecutionContext(input, nil))
//
// Nodes of one run execute sequentially in the order chosen by the caller; the
// executor waits for each handler to finish before returning.
//
// # Implementing Handlers
//
// Handlers decode their config into a typed struct with DecodeConfig and resolve
// placeholders with the expression package:
//
//	type Config struct {
//	    Message interface{} `json:"message"`
//	}
//
//	func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
//	    cfg, err := runtime.DecodeConfig(node, Config{})
//	    if err != nil {
//	        return nil, err
//	    }
//	    return map[string]interface{}{"message": expression.Resolve(cfg.Message, ec)}, nil
//	}
//
// Handler instances are long-lived. Handlers that cache a client (database pool,
// HTTP client) reuse it across invocations.
package runtime
