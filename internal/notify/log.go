package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes events to a structured logger instead of sending them.
// Used when no Telegram token is configured.
type LogNotifier struct {
	logger    *slog.Logger
	formatter *Formatter
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger, formatter *Formatter) *LogNotifier {
	return &LogNotifier{logger: logger, formatter: formatter}
}

// Notify logs the event at info level.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	n.logger.InfoContext(ctx, "notification",
		"kind", event.Kind,
		"account_id", event.AccountID,
		"text", n.formatter.Text(event),
	)
	return nil
}
