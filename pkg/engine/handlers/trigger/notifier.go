package trigger

import (
	"context"

	"go.uber.org/zap"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notification is a message dispatched when an error trigger fires.
type Notification struct {
	Channel    Channel  `json:"channel"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Message    string   `json:"message"`
}

// Notifier delivers error notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier records notifications in the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs every notification.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.Info("Error notification",
		zap.String("channel", string(notification.Channel)),
		zap.Strings("recipients", notification.Recipients),
		zap.String("subject", notification.Subject),
		zap.String("message", notification.Message))
	return nil
}
