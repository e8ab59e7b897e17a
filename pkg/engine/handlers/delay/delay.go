// Package delay implements the DELAY node, which suspends the execution path for a
// configured duration.
package delay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Config is the DELAY node config.
type Config struct {
	Duration interface{} `json:"duration"`
	Unit     string      `json:"unit"`
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Handler executes DELAY nodes.
type Handler struct {
	sleep SleepFunc
}

// NewHandler creates a delay handler that waits on a timer.
func NewHandler() *Handler {
	return &Handler{sleep: sleepContext}
}

// NewHandlerWithSleep creates a delay handler with a custom wait function.
func NewHandlerWithSleep(sleep SleepFunc) *Handler {
	if sleep == nil {
		sleep = sleepContext
	}
	return &Handler{sleep: sleep}
}

// Execute waits for the configured duration and returns {delayed, duration, unit, delayMs}.
// Cancelling ctx interrupts the wait.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{Unit: "seconds"})
	if err != nil {
		return nil, err
	}

	duration, err := toNumber(expression.Resolve(cfg.Duration, ec))
	if err != nil {
		return nil, err
	}

	perUnit, err := unitMillis(cfg.Unit)
	if err != nil {
		return nil, err
	}

	delayMs := duration * perUnit
	if err := h.sleep(ctx, time.Duration(delayMs*float64(time.Millisecond))); err != nil {
		return nil, sdkerrors.NewWorkflowExecutionError(fmt.Sprintf("delay interrupted: %v", err), node.ID, err)
	}

	return map[string]interface{}{
		"delayed":  true,
		"duration": duration,
		"unit":     cfg.Unit,
		"delayMs":  delayMs,
	}, nil
}

func unitMillis(unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "milliseconds", "ms":
		return 1, nil
	case "seconds", "s":
		return 1000, nil
	case "minutes", "m":
		return 60 * 1000, nil
	case "hours", "h":
		return 60 * 60 * 1000, nil
	default:
		return 0, sdkerrors.Validationf("unit", "Unknown time unit: %s", unit)
	}
}

func toNumber(value interface{}) (float64, error) {
	var n float64
	switch v := value.(type) {
	case nil:
		return 0, sdkerrors.NewValidationError("duration", "duration is required")
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, sdkerrors.WrapValidation("duration", fmt.Sprintf("duration %q is not a number", v), err)
		}
		n = f
	default:
		return 0, sdkerrors.Validationf("duration", "duration must be a number, got %T", value)
	}
	if n < 0 {
		return 0, sdkerrors.Validationf("duration", "duration must not be negative, got %v", n)
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
