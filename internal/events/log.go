// Package events is the append-only event log and its stream gateway.
// Event ids are per-scope sequence numbers assigned by the store; delivery
// order is seq order and nothing else.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/telemetry"
)

// DefaultPageSize bounds a single ListAfter round trip.
const DefaultPageSize = 100

// Store is the persistence the log needs.
type Store interface {
	AppendEvent(ctx context.Context, scope, eventType string, payload json.RawMessage) (models.Event, error)
	ListEventsAfter(ctx context.Context, scope string, after int64, limit int) ([]models.Event, error)
}

// Log appends events and wakes followers.
type Log struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewLog builds a Log. A nil notifier leaves followers on their poll tick.
func NewLog(st Store, notifier Notifier, logger *slog.Logger) *Log {
	return &Log{store: st, notifier: notifier, logger: logging.OrDiscard(logger).With("component", "events")}
}

// Append stores the event, then publishes a hint for it.
func (l *Log) Append(ctx context.Context, scope, eventType string, payload json.RawMessage) (models.Event, error) {
	ev, err := l.store.AppendEvent(ctx, scope, eventType, payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("append %s to %s: %w", eventType, scope, err)
	}
	l.Notify(ctx, ev)
	return ev, nil
}

// AppendJSON marshals v as the payload. A nil v stores no payload.
func (l *Log) AppendJSON(ctx context.Context, scope, eventType string, v any) (models.Event, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return models.Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return l.Append(ctx, scope, eventType, raw)
}

// Notify publishes a hint for an event stored elsewhere, such as inside a
// store transaction. Publish failures are logged only.
func (l *Log) Notify(ctx context.Context, ev models.Event) {
	telemetry.EventsAppended.Inc()
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Publish(ctx, ev.Scope, ev.Seq); err != nil {
		l.logger.Warn("publish event hint", "scope", ev.Scope, "seq", ev.Seq, "error", err)
	}
}

// ListAfter returns up to limit events with id > after in id order.
func (l *Log) ListAfter(ctx context.Context, scope string, after int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return l.store.ListEventsAfter(ctx, scope, after, limit)
}
