package models

import (
	"encoding/json"
	"time"
)

// OrderStatus enumerates the order state machine.
type OrderStatus string

const (
	OrderQueued    OrderStatus = "queued"
	OrderRunning   OrderStatus = "running"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the order has finished.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderFailed, OrderCancelled:
		return true
	}
	return false
}

// Order kinds.
const (
	OrderKindFull         = "full"
	OrderKindIntentRegen  = "intent-regen"
	OrderKindArticleRegen = "article-regen"
)

// Scope types a lease can be taken on.
const (
	ScopeQuery  = "query"
	ScopeIntent = "intent"
	ScopeThread = "thread"
)

// orderJobKinds maps an order kind to the job kind that executes it.
var orderJobKinds = map[string]string{
	OrderKindFull:         KindSearchGenerate,
	OrderKindIntentRegen:  KindSearchIntents,
	OrderKindArticleRegen: KindSearchArticles,
}

// JobKindForOrder returns the job kind backing an order kind.
func JobKindForOrder(kind string) (string, bool) {
	k, ok := orderJobKinds[kind]
	return k, ok
}

// Order is a scope-locked unit of multi-stage generation.
type Order struct {
	ID            int64           `json:"id"`
	ScopeType     string          `json:"scope_type"`
	ScopeKey      string          `json:"scope_key"`
	Kind          string          `json:"kind"`
	Status        OrderStatus     `json:"status"`
	RequestedBy   string          `json:"requested_by"`
	JobID         *int64          `json:"job_id,omitempty"`
	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Scope returns the event log scope of the order.
func (o Order) Scope() string {
	return OrderScope(o.ID)
}

// OrderJobPayload is the payload carried by a job that executes an order.
type OrderJobPayload struct {
	OrderID   int64           `json:"order_id"`
	Kind      string          `json:"kind"`
	ScopeType string          `json:"scope_type"`
	ScopeKey  string          `json:"scope_key"`
	Request   json.RawMessage `json:"request,omitempty"`
}
