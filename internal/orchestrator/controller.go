// Package orchestrator ties jobs, leases and the event log into the order
// lifecycle and serves the worker callback contract.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"generation-orchestrator/internal/events"
	"generation-orchestrator/internal/lease"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

var (
	// ErrOrderCancelled tells a worker its order is no longer active.
	ErrOrderCancelled = errors.New("order cancelled")
	// ErrOrderActive is returned when an operation needs a terminal order.
	ErrOrderActive = errors.New("order still active")
	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("validation failed")
)

// Options tunes the controller.
type Options struct {
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	StreamPollInterval time.Duration
	StreamHeartbeat    time.Duration
	// Now is the clock used for delayed enqueues. Defaults to time.Now.
	Now func() time.Time
}

// Controller is the order state machine.
type Controller struct {
	store    store.Store
	leases   *lease.Manager
	log      *events.Log
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
	backoff  func(attempt int) time.Duration
}

func New(st store.Store, leases *lease.Manager, log *events.Log, opts Options, logger *slog.Logger) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		store:    st,
		leases:   leases,
		log:      log,
		opts:     opts,
		validate: validator.New(),
		logger:   logging.OrDiscard(logger).With("component", "orchestrator"),
	}
	c.backoff = func(attempt int) time.Duration {
		return Backoff(c.opts.BackoffInitial, c.opts.BackoffMax, attempt)
	}
	return c
}

// CreateOrderRequest asks for a new order on a scope.
type CreateOrderRequest struct {
	ScopeType   string          `json:"scope_type" validate:"required,oneof=query intent thread"`
	ScopeKey    string          `json:"scope_key" validate:"required,max=256"`
	Kind        string          `json:"kind" validate:"required,oneof=full intent-regen article-regen"`
	RequestedBy string          `json:"requested_by" validate:"max=128"`
	Request     json.RawMessage `json:"request,omitempty"`
	Priority    int             `json:"priority" validate:"gte=0"`
}

// CreateOrderResult is a new order with its job, or the owner of the scope.
type CreateOrderResult struct {
	Order         models.Order
	Job           models.Job
	Conflict      bool
	ActiveOrderID int64
}

func (c *Controller) validationError(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// CreateOrder takes the scope lease and enqueues the order's job. A live
// lease held by another order is not an error: the result names that order
// so the caller can attach to its stream.
func (c *Controller) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return CreateOrderResult{}, c.validationError(err)
	}
	jobKind, _ := models.JobKindForOrder(req.Kind)
	res, err := c.store.CreateOrder(ctx, store.CreateOrderParams{
		ScopeType:      req.ScopeType,
		ScopeKey:       req.ScopeKey,
		Kind:           req.Kind,
		RequestedBy:    req.RequestedBy,
		Request:        req.Request,
		LeaseTTL:       c.leases.TTL(),
		JobKind:        jobKind,
		JobPriority:    req.Priority,
		JobMaxAttempts: c.opts.MaxAttempts,
	})
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("create order: %w", err)
	}
	if res.Conflict {
		telemetry.OrderConflicts.Inc()
		c.logger.Info("order scope locked", "scope_type", req.ScopeType, "scope_key", req.ScopeKey,
			"active_order_id", res.ActiveOrderID)
		return CreateOrderResult{Conflict: true, ActiveOrderID: res.ActiveOrderID}, nil
	}

	c.log.Notify(ctx, res.Started)
	c.audit(ctx, res.Job.ID, models.EventJobEnqueued, map[string]any{
		"kind": res.Job.Kind, "priority": res.Job.Priority, "order_id": res.Order.ID,
	})
	telemetry.OrdersCreated.WithLabelValues(req.Kind).Inc()
	telemetry.EnqueueCounter.WithLabelValues(res.Job.Kind).Inc()
	c.logger.Info("order created", "order_id", res.Order.ID, "job_id", res.Job.ID,
		"scope_type", req.ScopeType, "scope_key", req.ScopeKey, "kind", req.Kind)
	return CreateOrderResult{Order: res.Order, Job: res.Job}, nil
}

// CheckAvailability reports whether a scope is free without creating anything.
func (c *Controller) CheckAvailability(ctx context.Context, scopeType, scopeKey string) (lease.Availability, error) {
	if err := c.validate.Var(scopeType, "required,oneof=query intent thread"); err != nil {
		return lease.Availability{}, c.validationError(fmt.Errorf("scope_type: %w", err))
	}
	if err := c.validate.Var(scopeKey, "required,max=256"); err != nil {
		return lease.Availability{}, c.validationError(fmt.Errorf("scope_key: %w", err))
	}
	return c.leases.Check(ctx, scopeType, scopeKey)
}

// EnqueueJobRequest asks for a plain job with no order or lease.
type EnqueueJobRequest struct {
	Kind         string          `json:"kind" validate:"required"`
	ScopeKey     string          `json:"scope_key" validate:"max=256"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority" validate:"gte=0"`
	MaxAttempts  int             `json:"max_attempts" validate:"gte=0,lte=100"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
	RunAfter     *time.Time      `json:"run_after,omitempty"`
}

// EnqueueJob inserts a plain job.
func (c *Controller) EnqueueJob(ctx context.Context, req EnqueueJobRequest) (models.Job, error) {
	if err := c.validate.Struct(req); err != nil {
		return models.Job{}, c.validationError(err)
	}
	if !models.ValidJobKind(req.Kind) {
		return models.Job{}, c.validationError(fmt.Errorf("unknown job kind %q", req.Kind))
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return models.Job{}, c.validationError(errors.New("payload is not valid JSON"))
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.opts.MaxAttempts
	}
	var runAfter time.Time
	if req.RunAfter != nil {
		runAfter = *req.RunAfter
	}
	if req.DelaySeconds > 0 {
		runAfter = c.opts.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, err := c.store.EnqueueJob(ctx, store.EnqueueParams{
		Kind:        req.Kind,
		ScopeKey:    req.ScopeKey,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: maxAttempts,
		RunAfter:    runAfter,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	c.audit(ctx, job.ID, models.EventJobEnqueued, map[string]any{"kind": job.Kind, "priority": job.Priority})
	telemetry.EnqueueCounter.WithLabelValues(job.Kind).Inc()
	return job, nil
}

// CancelOrder moves an active order to cancelled, releases its lease and
// discards its job if no worker has claimed it yet. A running job is left to
// its worker, which observes the cancellation and stops on its own.
func (c *Controller) CancelOrder(ctx context.Context, id int64, reason string) (models.Order, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	order, ev, err := c.store.FinishOrder(ctx, store.FinishOrderParams{
		OrderID:      id,
		Status:       models.OrderCancelled,
		ErrorMessage: reason,
		EventType:    models.EventOrderCancelled,
		EventPayload: mustJSON(map[string]string{"reason": reason}),
	})
	if err != nil {
		return order, err
	}
	c.log.Notify(ctx, ev)
	telemetry.OrdersFinished.WithLabelValues(string(order.Status)).Inc()
	c.logger.Info("order cancelled", "order_id", id, "reason", reason)

	if order.JobID != nil {
		job, err := c.store.DiscardJob(ctx, *order.JobID, "order cancelled")
		switch {
		case err == nil:
			c.audit(ctx, job.ID, models.EventJobFailed, map[string]any{"error": "order cancelled", "attempts": job.Attempts})
		case errors.Is(err, store.ErrJobNotQueued):
		default:
			c.logger.Error("discard cancelled job", "order_id", id, "job_id", *order.JobID, "error", err)
		}
	}
	return order, nil
}

// IsCancelled reports whether the order is no longer active.
func (c *Controller) IsCancelled(ctx context.Context, orderID int64) (bool, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	return order.Status.Terminal(), nil
}

// JobCancelled reports whether the order backing a job is no longer active.
// Jobs without an order are never cancelled.
func (c *Controller) JobCancelled(ctx context.Context, jobID int64) (bool, error) {
	order, err := c.store.GetOrderByJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return order.Status.Terminal(), nil
}

func (c *Controller) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	return c.store.GetOrder(ctx, id)
}

func (c *Controller) ListOrders(ctx context.Context, p store.ListOrdersParams) ([]models.Order, error) {
	return c.store.ListOrders(ctx, p)
}

func (c *Controller) GetJob(ctx context.Context, id int64) (models.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *Controller) ListJobs(ctx context.Context, p store.ListJobsParams) ([]models.Job, error) {
	return c.store.ListJobs(ctx, p)
}

// RequeueJob puts a failed plain job back in the queue with its attempts
// reset. Jobs backing an order are refused: the order is already terminal,
// so a new order must be created instead.
func (c *Controller) RequeueJob(ctx context.Context, id int64) (models.Job, error) {
	order, err := c.store.GetOrderByJob(ctx, id)
	if err == nil {
		return models.Job{}, c.validationError(fmt.Errorf("job %d belongs to order %d; create a new order", id, order.ID))
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Job{}, err
	}
	job, err := c.store.RequeueJob(ctx, id)
	if err != nil {
		return job, err
	}
	c.audit(ctx, job.ID, models.EventJobRequeued, nil)
	return job, nil
}

// RecoverExpiredRunning requeues jobs running longer than maxRun. Jobs that
// already used their last attempt are failed instead, together with their
// order. The result holds both kinds; their Status tells them apart.
func (c *Controller) RecoverExpiredRunning(ctx context.Context, maxRun time.Duration) ([]models.Job, error) {
	msg := fmt.Sprintf("worker presumed dead: running longer than %s", maxRun)
	jobs, err := c.store.RecoverExpiredRunning(ctx, maxRun, msg)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		c.audit(ctx, job.ID, models.EventJobRecovered, map[string]any{"error": msg, "attempts": job.Attempts})
		c.logger.Warn("recovered stale job", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
	}
	telemetry.JobsRecovered.Add(float64(len(jobs)))

	exhausted, err := c.store.ExhaustedRunning(ctx, maxRun)
	if err != nil {
		return jobs, err
	}
	for _, job := range exhausted {
		var order *models.Order
		o, err := c.store.GetOrderByJob(ctx, job.ID)
		switch {
		case err == nil && !o.Status.Terminal():
			order = &o
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return jobs, err
		}
		res, err := c.failJobWithOrder(ctx, job, msg, order)
		if errors.Is(err, store.ErrJobNotRunning) {
			continue
		}
		if err != nil {
			return jobs, err
		}
		c.logger.Error("stale job out of attempts", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		jobs = append(jobs, res.Job)
	}
	return jobs, nil
}

// OrderLogs returns the whole event history of a terminal order.
func (c *Controller) OrderLogs(ctx context.Context, id int64) ([]models.Event, error) {
	order, err := c.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.Terminal() {
		return nil, fmt.Errorf("order %d is %s: %w", id, order.Status, ErrOrderActive)
	}
	all := []models.Event{}
	var last int64
	for {
		page, err := c.log.ListAfter(ctx, order.Scope(), last, events.DefaultPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < events.DefaultPageSize {
			return all, nil
		}
		last = page[len(page)-1].Seq
	}
}

// JobEvents returns one page of a job's audit events.
func (c *Controller) JobEvents(ctx context.Context, id, after int64, limit int) ([]models.Event, error) {
	if _, err := c.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return c.log.ListAfter(ctx, models.JobScope(id), after, limit)
}

// StreamOrder replays and tails an order's events until its terminal event.
func (c *Controller) StreamOrder(ctx context.Context, id, lastSeen int64, emit func(models.Event) error, heartbeat func() error) error {
	order, err := c.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.log.Follow(ctx, events.FollowOptions{
		Scope:             order.Scope(),
		LastSeen:          lastSeen,
		PollInterval:      c.opts.StreamPollInterval,
		Heartbeat:         c.opts.StreamHeartbeat,
		StopAfterTerminal: true,
		Finished: func(ctx context.Context) (bool, error) {
			o, err := c.store.GetOrder(ctx, id)
			return o.Status.Terminal(), err
		},
	}, emit, heartbeat)
	return err
}

// StreamJob replays and tails a job's audit events until it finishes.
func (c *Controller) StreamJob(ctx context.Context, id, lastSeen int64, emit func(models.Event) error, heartbeat func() error) error {
	if _, err := c.store.GetJob(ctx, id); err != nil {
		return err
	}
	_, err := c.log.Follow(ctx, events.FollowOptions{
		Scope:             models.JobScope(id),
		LastSeen:          lastSeen,
		PollInterval:      c.opts.StreamPollInterval,
		Heartbeat:         c.opts.StreamHeartbeat,
		StopAfterTerminal: true,
		Finished: func(ctx context.Context) (bool, error) {
			j, err := c.store.GetJob(ctx, id)
			return j.Status.Terminal(), err
		},
	}, emit, heartbeat)
	return err
}

// audit appends a job-scope event. The transition it records has already
// been committed, so a failed append is logged rather than returned.
func (c *Controller) audit(ctx context.Context, jobID int64, eventType string, payload any) {
	if _, err := c.log.AppendJSON(ctx, models.JobScope(jobID), eventType, payload); err != nil {
		c.logger.Error("append job event", "job_id", jobID, "event_type", eventType, "error", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}
