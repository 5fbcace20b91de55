package events

import (
	"log/slog"

	"tradeescrow/core/types"
)

type payloadCarrier interface {
	Event() *types.Event
}

// LogEmitter forwards every emitted event to a structured logger. The
// surrounding service layer typically wraps it together with its own
// notification relay.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{slog.String("event", evt.EventType())}
	if carrier, ok := evt.(payloadCarrier); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	logger.Info("escrow event", attrs...)
}
