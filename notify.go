package policyscan

import (
	"context"
	"log/slog"
)

// Notification is an event delivered to a run's owning user.
type Notification struct {
	RunID   string
	Event   string
	Message string
}

// Notifier delivers notifications best-effort. Implementations must not
// panic; errors are logged by callers and never block a state transition.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when no delivery channel is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = &LogNotifier{}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, userID string, msg Notification) error {
	n.Logger.Info("notification", "user", userID, "run", msg.RunID, "event", msg.Event, "message", msg.Message)
	return nil
}
