// Package store persists jobs, leases, orders and events. The same relational
// store serves as the work queue and the broadcast log: every state change is
// a single conditional write, so any number of API and worker processes can
// share it without in-process coordination.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"generation-orchestrator/internal/models"
)

// Store is implemented by the Postgres and SQLite backends.
type Store interface {
	// EnqueueJob inserts a queued job. It never touches leases.
	EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, error)
	// ClaimNextJob atomically moves the best visible queued job to running.
	// It returns false when no job is visible or a concurrent claimer won.
	ClaimNextJob(ctx context.Context, workerID string) (models.Job, bool, error)
	CompleteJob(ctx context.Context, id int64) (models.Job, error)
	RetryJob(ctx context.Context, id int64, message string, delay time.Duration) (models.Job, error)
	FailJob(ctx context.Context, id int64, message string) (models.Job, error)
	// FinishJob moves a running job to completed or failed, appends its
	// terminal event and optionally finishes its order, all in one
	// transaction. An order that already finished is left alone and the job
	// transition still commits, unless RequireOrder is set.
	FinishJob(ctx context.Context, p FinishJobParams) (FinishJobResult, error)
	// DiscardJob fails a job that has not been claimed yet.
	DiscardJob(ctx context.Context, id int64, message string) (models.Job, error)
	// RequeueJob puts a failed job back in the queue with a fresh attempt budget.
	RequeueJob(ctx context.Context, id int64) (models.Job, error)
	// RecoverExpiredRunning requeues running jobs started before now-maxRun
	// that still have attempts left.
	RecoverExpiredRunning(ctx context.Context, maxRun time.Duration, message string) ([]models.Job, error)
	// ExhaustedRunning lists running jobs started before now-maxRun that
	// used their last attempt. Recovery fails them instead of requeueing.
	ExhaustedRunning(ctx context.Context, maxRun time.Duration) ([]models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	VisibleJobs(ctx context.Context) (int64, error)

	TryAcquireLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (LeaseResult, error)
	ReleaseLease(ctx context.Context, scopeType, scopeKey string, owner int64) (bool, error)
	RenewLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (models.Lease, error)
	GetLease(ctx context.Context, scopeType, scopeKey string) (models.Lease, error)
	DeleteExpiredLeases(ctx context.Context) (int64, error)

	// CreateOrder inserts an order, takes its scope lease and enqueues the
	// backing job in one transaction. A live lease held by another order
	// yields a conflict result instead of a new order.
	CreateOrder(ctx context.Context, p CreateOrderParams) (CreateOrderResult, error)
	// MarkOrderRunning moves a queued order to running. The bool reports
	// whether this call performed the transition.
	MarkOrderRunning(ctx context.Context, id int64) (models.Order, bool, error)
	// FinishOrder moves an active order to a terminal status, releases its
	// lease and appends the terminal event in one transaction.
	FinishOrder(ctx context.Context, p FinishOrderParams) (models.Order, models.Event, error)
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	GetOrderByJob(ctx context.Context, jobID int64) (models.Order, error)
	ListOrders(ctx context.Context, p ListOrdersParams) ([]models.Order, error)

	AppendEvent(ctx context.Context, scope, eventType string, payload json.RawMessage) (models.Event, error)
	ListEventsAfter(ctx context.Context, scope string, after int64, limit int) ([]models.Event, error)
	// ExpiredScopes lists scopes whose owner finished before the cutoff and
	// that still hold events.
	ExpiredScopes(ctx context.Context, before time.Time, limit int) ([]string, error)
	// ScopesOverCap lists scopes holding more than keep events.
	ScopesOverCap(ctx context.Context, keep, limit int) ([]string, error)
	// PruneScope deletes all but the last keepLast events of a scope and
	// returns the deleted rows in seq order. Sequence numbers are never reused.
	PruneScope(ctx context.Context, scope string, keepLast int) ([]models.Event, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Kind        string
	ScopeKey    string
	Payload     json.RawMessage
	Priority    int
	MaxAttempts int
	RunAfter    time.Time
}

// LeaseResult reports the outcome of a lease acquisition. When Granted is
// false, Lease holds the live lease of the current owner.
type LeaseResult struct {
	Granted bool
	Lease   models.Lease
}

// CreateOrderParams collects inputs required to create an order.
type CreateOrderParams struct {
	ScopeType      string
	ScopeKey       string
	Kind           string
	RequestedBy    string
	Request        json.RawMessage
	LeaseTTL       time.Duration
	JobKind        string
	JobPriority    int
	JobMaxAttempts int
}

// CreateOrderResult is either a new order with its job and started event, or
// a conflict naming the order that currently holds the scope.
type CreateOrderResult struct {
	Order         models.Order
	Job           models.Job
	Started       models.Event
	Conflict      bool
	ActiveOrderID int64
	ActiveLease   models.Lease
}

// FinishOrderParams describes a terminal order transition.
type FinishOrderParams struct {
	OrderID       int64
	Status        models.OrderStatus
	ResultSummary json.RawMessage
	ErrorMessage  string
	EventType     string
	EventPayload  json.RawMessage
}

// FinishJobParams describes a terminal job transition. Status is
// completed or failed. An empty EventType skips the job event; a nil Order
// leaves the order untouched. With RequireOrder, an order that already
// finished rolls the whole transition back with ErrOrderTerminal.
type FinishJobParams struct {
	JobID        int64
	Status       models.JobStatus
	ErrorMessage string
	EventType    string
	EventPayload json.RawMessage
	Order        *FinishOrderParams
	RequireOrder bool
}

// FinishJobResult carries the rows and events written by FinishJob.
// OrderFinished is false when Order was nil or the order had already
// finished, in which case Order holds its current row.
type FinishJobResult struct {
	Job           models.Job
	JobEvent      models.Event
	Order         models.Order
	OrderEvent    models.Event
	OrderFinished bool
}

func checkFinishStatus(p FinishJobParams) error {
	if p.Status != models.StatusCompleted && p.Status != models.StatusFailed {
		return fmt.Errorf("finish job %d: status %q is not terminal", p.JobID, p.Status)
	}
	return nil
}

// ListJobsParams filters job listings. Zero values match everything.
type ListJobsParams struct {
	Status models.JobStatus
	Kind   string
	Limit  int
}

// ListOrdersParams filters order listings. Zero values match everything.
type ListOrdersParams struct {
	Status    models.OrderStatus
	ScopeType string
	ScopeKey  string
	Limit     int
}

// Option customizes a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for every persisted timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects the backend named by driver.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case DriverPostgres, "":
		return NewPostgres(ctx, dsn, opts...)
	case DriverSQLite:
		return NewSQLite(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultMaxAttempt = 3
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeEnqueue(p EnqueueParams, now time.Time) EnqueueParams {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempt
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	if p.RunAfter.IsZero() || p.RunAfter.Before(now) {
		p.RunAfter = now
	}
	return p
}

func orderJobPayload(orderID int64, p CreateOrderParams) (json.RawMessage, error) {
	raw, err := json.Marshal(models.OrderJobPayload{
		OrderID:   orderID,
		Kind:      p.Kind,
		ScopeType: p.ScopeType,
		ScopeKey:  p.ScopeKey,
		Request:   p.Request,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order job payload: %w", err)
	}
	return raw, nil
}

func startedPayload(order models.Order, jobID int64) (json.RawMessage, error) {
	raw, err := json.Marshal(map[string]any{
		"kind":         order.Kind,
		"scope_type":   order.ScopeType,
		"scope_key":    order.ScopeKey,
		"requested_by": order.RequestedBy,
		"job_id":       jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal started payload: %w", err)
	}
	return raw, nil
}

// JobScopeKey is the job scope key of an order's backing job, e.g. "query:42".
func JobScopeKey(scopeType, scopeKey string) string {
	return scopeType + ":" + scopeKey
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
