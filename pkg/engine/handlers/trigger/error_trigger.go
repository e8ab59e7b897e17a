package trigger

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// ErrorTriggerConfig is the ERROR_TRIGGER node config. Empty filters match everything.
type ErrorTriggerConfig struct {
	TriggerOnNodes []string   `json:"triggerOnNodes"`
	ErrorTypes     []string   `json:"errorTypes"`
	NotifyEmail    Recipients `json:"notifyEmail"`
	NotifySMS      Recipients `json:"notifySms"`
	Subject        string     `json:"subject"`
}

// ErrorInfo describes the failure that started an error workflow.
type ErrorInfo struct {
	Message string
	Type    string
}

// ErrorTriggerHandler executes ERROR_TRIGGER nodes. It reads the failure from the
// $error and $failedNode variables.
type ErrorTriggerHandler struct {
	now      Clock
	notifier Notifier
	logger   *zap.Logger
}

// NewErrorTriggerHandler creates an error trigger handler. A nil notifier logs
// notifications instead of sending them.
func NewErrorTriggerHandler(now Clock, notifier Notifier, logger *zap.Logger) *ErrorTriggerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &ErrorTriggerHandler{
		now:      clockOrDefault(now),
		notifier: notifier,
		logger:   logger,
	}
}

// Execute applies the node and error-type filters. A failure that does not match
// returns {triggered: false} and sends nothing.
func (h *ErrorTriggerHandler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, ErrorTriggerConfig{})
	if err != nil {
		return nil, err
	}

	info := errorInfo(ec)
	failedNode := failedNodeID(ec)

	if len(cfg.TriggerOnNodes) > 0 && !contains(cfg.TriggerOnNodes, failedNode) {
		return map[string]interface{}{"triggered": false}, nil
	}
	if len(cfg.ErrorTypes) > 0 && !contains(cfg.ErrorTypes, info.Type) {
		return map[string]interface{}{"triggered": false}, nil
	}

	subject := cfg.Subject
	if subject == "" {
		subject = fmt.Sprintf("Workflow error in node %s", failedNode)
	}

	var notifications []Notification
	if len(cfg.NotifyEmail) > 0 {
		notifications = append(notifications, Notification{Channel: ChannelEmail, Recipients: cfg.NotifyEmail, Subject: subject, Message: info.Message})
	}
	if len(cfg.NotifySMS) > 0 {
		notifications = append(notifications, Notification{Channel: ChannelSMS, Recipients: cfg.NotifySMS, Subject: subject, Message: info.Message})
	}

	sent := make([]interface{}, 0, len(notifications))
	for _, n := range notifications {
		if err := h.notifier.Notify(ctx, n); err != nil {
			h.logger.Warn("Failed to send error notification",
				zap.String("node_id", node.ID),
				zap.String("channel", string(n.Channel)),
				zap.Error(err))
			continue
		}
		sent = append(sent, string(n.Channel))
	}

	out := envelope(h.now(), ec)
	out["error"] = map[string]interface{}{
		"message": info.Message,
		"type":    info.Type,
	}
	out["failedNode"] = failedNode
	out["notifications"] = sent
	out["data"] = input(ec)
	if wf, ok := ec.Variable(runtime.VarWorkflowID); ok {
		out["workflowId"] = wf
	}
	return out, nil
}

// errorInfo reads $error, which may be a Go error, a {message, type} object or a
// plain message.
func errorInfo(ec *runtime.ExecutionContext) ErrorInfo {
	raw, ok := ec.Variable(runtime.VarError)
	if !ok || raw == nil {
		return ErrorInfo{}
	}
	switch v := raw.(type) {
	case error:
		return ErrorInfo{Message: v.Error(), Type: sdkerrors.CauseTypeName(v)}
	case map[string]interface{}:
		info := ErrorInfo{}
		info.Message, _ = v["message"].(string)
		if t, ok := v["type"].(string); ok {
			info.Type = t
		} else if name, ok := v["name"].(string); ok {
			info.Type = name
		}
		return info
	case string:
		return ErrorInfo{Message: v, Type: "Error"}
	default:
		return ErrorInfo{Message: fmt.Sprint(v)}
	}
}

// failedNodeID reads $failedNode, either a node id or a node object.
func failedNodeID(ec *runtime.ExecutionContext) string {
	raw, ok := ec.Variable(runtime.VarFailedNode)
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]interface{}:
		id, _ := v["id"].(string)
		return id
	case runtime.WorkflowNode:
		return v.ID
	case *runtime.WorkflowNode:
		return v.ID
	}
	return ""
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
