package notify

import (
	"context"
	"log/slog"

	"github.com/sonde-sh/sonde/internal/events"
)

// LogNotifier writes events to the structured log. Always configured so the
// operator sees fleet events even with no external sinks.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log sink.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, e events.Event) error {
	n.log.Info("fleet event", "type", e.Type, "agent", e.Agent, "probe", e.Probe, "detail", e.Detail)
	return nil
}
