// Package code implements the CODE node, which runs a JavaScript snippet over the
// execution context in a sandboxed goja runtime.
package code

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

const defaultTimeoutMs = 5000

// Config is the CODE node config. Code is a function body: it sees the globals
// input and variables and returns the node's result.
type Config struct {
	Code string `json:"code"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout"`
}

// Validate checks that there is code to run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return sdkerrors.NewValidationError("code", "code is required")
	}
	if c.Timeout < 0 {
		return sdkerrors.Validationf("timeout", "timeout must not be negative, got %d", c.Timeout)
	}
	return nil
}

// ScriptError is an exception thrown by the script.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return "script error: " + e.Message
}

// Handler executes CODE nodes. Every invocation gets a fresh runtime.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a code handler. Script console output goes to logger.
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// Execute runs the script and returns the value it returns.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{Timeout: defaultTimeoutMs})
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec = runtime.NewExecutionContext(nil, nil)
	}

	vm := goja.New()
	if err := sandbox(vm); err != nil {
		return nil, fmt.Errorf("failed to prepare sandbox: %w", err)
	}
	if err := h.bindConsole(vm, node.ID); err != nil {
		return nil, fmt.Errorf("failed to bind console: %w", err)
	}
	if err := vm.Set("input", ec.Input); err != nil {
		return nil, fmt.Errorf("failed to set input: %w", err)
	}
	if err := vm.Set("variables", ec.Variables); err != nil {
		return nil, fmt.Errorf("failed to set variables: %w", err)
	}

	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var interrupted bool
	var mu sync.Mutex
	go func() {
		select {
		case <-runCtx.Done():
			mu.Lock()
			interrupted = true
			mu.Unlock()
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	value, err := vm.RunString("(function() {\n" + cfg.Code + "\n})()")
	close(done)

	if err != nil {
		mu.Lock()
		wasInterrupted := interrupted
		mu.Unlock()
		if wasInterrupted {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: script exceeded %s", sdkerrors.ErrTimeout, timeout)
		}
		if exc, ok := err.(*goja.Exception); ok {
			return nil, &ScriptError{Message: exc.Value().String(), Stack: exc.String()}
		}
		return nil, &ScriptError{Message: err.Error()}
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// sandbox removes host-access globals and eval.
func sandbox(vm *goja.Runtime) error {
	for _, name := range []string{
		"require", "module", "exports", "process", "global",
		"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
	} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return vm.Set("eval", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed"))
	})
}

func (h *Handler) bindConsole(vm *goja.Runtime, nodeID string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		h.logger.Debug("Script console output",
			zap.String("node_id", nodeID),
			zap.String("message", strings.Join(parts, " ")))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
