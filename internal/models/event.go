package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event types emitted under an order scope.
const (
	EventOrderStarted    = "order.started"
	EventOrderRunning    = "order.running"
	EventOrderProgress   = "order.progress"
	EventIntentUpserted  = "intent.upserted"
	EventArticleUpserted = "article.upserted"
	EventOrderCompleted  = "order.completed"
	EventOrderFailed     = "order.failed"
	EventOrderCancelled  = "order.cancelled"
)

// Event types emitted under a job scope.
const (
	EventJobEnqueued       = "job.enqueued"
	EventJobClaimed        = "job.claimed"
	EventJobProgress       = "job.progress"
	EventJobRetryScheduled = "job.retry_scheduled"
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobRecovered      = "job.recovered"
	EventJobRequeued       = "job.requeued"
)

// TerminalEvent reports whether an event type closes its scope's stream.
func TerminalEvent(eventType string) bool {
	switch eventType {
	case EventOrderCompleted, EventOrderFailed, EventOrderCancelled,
		EventJobCompleted, EventJobFailed:
		return true
	}
	return false
}

// Event is one immutable fact in a scope's log. Seq is the per-scope event id.
type Event struct {
	Scope     string          `json:"scope"`
	Seq       int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderScope names the event scope of an order.
func OrderScope(id int64) string {
	return "order:" + strconv.FormatInt(id, 10)
}

// JobScope names the event scope of a job.
func JobScope(id int64) string {
	return "job:" + strconv.FormatInt(id, 10)
}

// ParseScope splits a scope into its owner kind ("order" or "job") and id.
func ParseScope(scope string) (string, int64, error) {
	kind, raw, ok := strings.Cut(scope, ":")
	if !ok || (kind != "order" && kind != "job") {
		return "", 0, fmt.Errorf("invalid scope %q", scope)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid scope id %q", scope)
	}
	return kind, id, nil
}
