// Package trigger implements the trigger nodes: SCHEDULE, WEBHOOK, DATABASE_WATCH and
// ERROR_TRIGGER. Scheduling, webhook registration and change capture happen outside
// the execution core; executing a trigger node echoes the event it was started with.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Clock returns the current time.
type Clock func() time.Time

// ScheduleConfig is the SCHEDULE node config.
type ScheduleConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// Validate checks that the timezone exists.
func (c *ScheduleConfig) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return sdkerrors.WrapValidation("timezone", fmt.Sprintf("unknown timezone %q", c.Timezone), err)
	}
	return nil
}

// ScheduleHandler executes SCHEDULE nodes.
type ScheduleHandler struct {
	now Clock
}

// NewScheduleHandler creates a schedule trigger handler.
func NewScheduleHandler(now Clock) *ScheduleHandler {
	return &ScheduleHandler{now: clockOrDefault(now)}
}

// Execute returns {triggered, timestamp, schedule, timezone, nextRun?, data}.
func (h *ScheduleHandler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, ScheduleConfig{Timezone: "UTC"})
	if err != nil {
		return nil, err
	}

	now := h.now()
	out := envelope(now, ec)
	out["schedule"] = cfg.Cron
	out["timezone"] = cfg.Timezone
	out["data"] = input(ec)

	if cfg.Cron != "" {
		schedule, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, sdkerrors.WrapValidation("cron", fmt.Sprintf("invalid cron expression %q: %v", cfg.Cron, err), err)
		}
		loc, _ := time.LoadLocation(cfg.Timezone)
		out["nextRun"] = runtime.Timestamp(schedule.Next(now.In(loc)))
	}
	return out, nil
}

// WebhookConfig is the WEBHOOK node config.
type WebhookConfig struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// WebhookHandler executes WEBHOOK nodes.
type WebhookHandler struct {
	now Clock
}

// NewWebhookHandler creates a webhook trigger handler.
func NewWebhookHandler(now Clock) *WebhookHandler {
	return &WebhookHandler{now: clockOrDefault(now)}
}

// Execute returns {triggered, timestamp, webhookId, path, method, payload}.
func (h *WebhookHandler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, WebhookConfig{Method: "POST"})
	if err != nil {
		return nil, err
	}

	out := envelope(h.now(), ec)
	out["webhookId"] = node.ID
	out["path"] = cfg.Path
	out["method"] = strings.ToUpper(cfg.Method)
	out["payload"] = input(ec)
	return out, nil
}

// DatabaseWatchConfig is the DATABASE_WATCH node config.
type DatabaseWatchConfig struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
}

// DatabaseWatchHandler executes DATABASE_WATCH nodes.
type DatabaseWatchHandler struct {
	now Clock
}

// NewDatabaseWatchHandler creates a database watch trigger handler.
func NewDatabaseWatchHandler(now Clock) *DatabaseWatchHandler {
	return &DatabaseWatchHandler{now: clockOrDefault(now)}
}

// Execute returns {triggered, timestamp, table, operation, data}. The operation
// reported is the one carried by the event input when present.
func (h *DatabaseWatchHandler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, DatabaseWatchConfig{Operation: "INSERT"})
	if err != nil {
		return nil, err
	}

	data := input(ec)
	operation := strings.ToUpper(cfg.Operation)
	if op, ok := data["operation"].(string); ok && op != "" {
		operation = strings.ToUpper(op)
	}

	out := envelope(h.now(), ec)
	out["table"] = cfg.Table
	out["operation"] = operation
	out["data"] = data
	return out, nil
}

// Recipients accepts a list of addresses or a single comma-separated string.
type Recipients []string

// UnmarshalJSON decodes a string or an array of strings.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*r = compact(list)
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings")
	}
	*r = compact(strings.Split(single, ","))
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clockOrDefault(now Clock) Clock {
	if now == nil {
		return time.Now
	}
	return now
}

func envelope(now time.Time, ec *runtime.ExecutionContext) map[string]interface{} {
	out := map[string]interface{}{
		"triggered": true,
		"timestamp": runtime.Timestamp(now),
	}
	if id := ec.ExecutionID(); id != "" {
		out["executionId"] = id
	}
	return out
}

func input(ec *runtime.ExecutionContext) map[string]interface{} {
	if ec == nil || ec.Input == nil {
		return map[string]interface{}{}
	}
	return ec.Input
}
