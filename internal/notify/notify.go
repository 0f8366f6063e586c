// Package notify is the fire-and-forget local notification port. Display
// is best effort: no retry, no acknowledgement.
package notify

import "go.uber.org/zap"

// Notifier displays a system notification. Implementations must not block.
type Notifier interface {
	Notify(title, body string)
}

// LogNotifier writes notifications to the daemon log. It is the default
// sink for headless runs; a desktop frontend substitutes its own.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, body string) {
	n.logger.Info("notification", zap.String("title", title), zap.String("body", body))
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(string, string) {}
