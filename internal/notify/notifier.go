// Package notify delivers fleet events to external sinks.
package notify

import (
	"context"
	"log/slog"

	"github.com/sonde-sh/sonde/internal/events"
)

// Notifier delivers a single fleet event to a sink.
type Notifier interface {
	Notify(ctx context.Context, e events.Event) error
	Name() string
}

// Multi fans a single event out to several notifiers. Delivery failures are
// logged and do not stop delivery to the remaining sinks.
type Multi struct {
	sinks []Notifier
	log   *slog.Logger
}

// NewMulti builds a Multi from the given sinks.
func NewMulti(log *slog.Logger, sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks, log: log}
}

// Notify delivers e to every sink.
func (m *Multi) Notify(ctx context.Context, e events.Event) {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, e); err != nil {
			m.log.Warn("notification failed", "sink", s.Name(), "event", e.Type, "error", err)
		}
	}
}

// Run consumes the event bus until ctx is cancelled, forwarding every event
// to the configured sinks.
func (m *Multi) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Notify(ctx, e)
		}
	}
}
