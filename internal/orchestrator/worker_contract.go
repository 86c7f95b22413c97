package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"generation-orchestrator/internal/lease"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Assignment is a claimed job. Order is nil for plain jobs.
type Assignment struct {
	Job   models.Job
	Order *models.Order
}

// Claim hands the next runnable job to workerID. Jobs whose order was
// cancelled, or whose scope lease went to another order, are failed here and
// the loop moves on, so the caller only ever sees work it may run.
func (c *Controller) Claim(ctx context.Context, workerID string) (*Assignment, error) {
	for {
		job, ok, err := c.store.ClaimNextJob(ctx, workerID)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if !ok {
			return nil, nil
		}
		c.audit(ctx, job.ID, models.EventJobClaimed, map[string]any{"worker_id": workerID, "attempt": job.Attempts})

		order, err := c.store.GetOrderByJob(ctx, job.ID)
		if errors.Is(err, store.ErrNotFound) {
			return &Assignment{Job: job}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load order of job %d: %w", job.ID, err)
		}

		assignment, err := c.startOrder(ctx, job, order)
		if err != nil {
			return nil, err
		}
		if assignment != nil {
			return assignment, nil
		}
	}
}

// startOrder prepares an order-backed job. A nil assignment means the job
// was failed and the caller should claim again.
func (c *Controller) startOrder(ctx context.Context, job models.Job, order models.Order) (*Assignment, error) {
	if order.Status.Terminal() {
		c.failJob(ctx, job, "order cancelled", nil)
		return nil, nil
	}

	if _, err := c.leases.Renew(ctx, order.ScopeType, order.ScopeKey, order.ID); err != nil {
		if !errors.Is(err, lease.ErrLeaseLost) {
			return nil, err
		}
		res, err := c.leases.TryAcquire(ctx, order.ScopeType, order.ScopeKey, order.ID)
		if err != nil {
			return nil, err
		}
		if !res.Granted {
			c.logger.Warn("order lease lost", "order_id", order.ID, "job_id", job.ID,
				"holder", res.Lease.OwnerOrderID)
			c.failJob(ctx, job, "lease lost", &order)
			return nil, nil
		}
	}

	running, first, err := c.store.MarkOrderRunning(ctx, order.ID)
	if errors.Is(err, store.ErrOrderTerminal) {
		c.failJob(ctx, job, "order cancelled", nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if first {
		if _, err := c.log.AppendJSON(ctx, running.Scope(), models.EventOrderRunning, map[string]any{
			"job_id": job.ID, "attempt": job.Attempts,
		}); err != nil {
			c.logger.Error("append order running", "order_id", order.ID, "error", err)
		}
	}
	return &Assignment{Job: job, Order: &running}, nil
}

// ReportProgress appends a progress event for a running job. Progress of an
// order-backed job lands in the order's scope, so stream subscribers see it.
func (c *Controller) ReportProgress(ctx context.Context, jobID int64, eventType string, payload json.RawMessage) (models.Event, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Event{}, err
	}
	if job.Status != models.StatusRunning {
		return models.Event{}, fmt.Errorf("job %d is %s: %w", jobID, job.Status, store.ErrJobNotRunning)
	}
	if eventType == "" {
		eventType = models.EventOrderProgress
	}
	if models.TerminalEvent(eventType) {
		return models.Event{}, c.validationError(fmt.Errorf("event type %q is reserved", eventType))
	}

	order, err := c.store.GetOrderByJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		if eventType == models.EventOrderProgress {
			eventType = models.EventJobProgress
		}
		return c.log.Append(ctx, models.JobScope(jobID), eventType, payload)
	}
	if err != nil {
		return models.Event{}, err
	}
	if order.Status.Terminal() {
		return models.Event{}, fmt.Errorf("order %d is %s: %w", order.ID, order.Status, ErrOrderCancelled)
	}
	return c.log.Append(ctx, order.Scope(), eventType, payload)
}

// ReportSuccess completes a job and its order in one transaction. Reporting
// success twice is a no-op.
func (c *Controller) ReportSuccess(ctx context.Context, jobID int64, summary json.RawMessage) (models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	order, err := c.store.GetOrderByJob(ctx, jobID)
	hasOrder := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Job{}, err
	}
	if hasOrder && order.Status.Terminal() && order.Status != models.OrderCompleted {
		if job.Status == models.StatusRunning {
			c.failJob(ctx, job, "order cancelled", nil)
		}
		return job, fmt.Errorf("order %d is %s: %w", order.ID, order.Status, ErrOrderCancelled)
	}

	p := store.FinishJobParams{
		JobID:        jobID,
		Status:       models.StatusCompleted,
		EventType:    models.EventJobCompleted,
		EventPayload: mustJSON(map[string]any{"attempts": job.Attempts}),
	}
	if hasOrder {
		p.Order = orderFinish(order.ID, models.OrderCompleted, models.EventOrderCompleted, summary, "")
		p.RequireOrder = true
	}
	res, err := c.finishJob(ctx, p)
	switch {
	case errors.Is(err, store.ErrOrderTerminal):
		c.failJob(ctx, job, "order cancelled", nil)
		return job, fmt.Errorf("order %d is %s: %w", order.ID, res.Order.Status, ErrOrderCancelled)
	case errors.Is(err, store.ErrJobNotRunning) && res.Job.Status == models.StatusCompleted:
		return res.Job, nil
	case err != nil:
		return res.Job, err
	}
	telemetry.WorkerSuccess.Inc()
	c.logger.Info("job completed", "job_id", jobID, "kind", res.Job.Kind, "attempts", res.Job.Attempts)
	return res.Job, nil
}

// ReportFailure records a failed attempt. Retryable failures with attempts
// left go back to the queue after a backoff delay and the order keeps its
// lease across the wait; anything else fails the job and its order.
func (c *Controller) ReportFailure(ctx context.Context, jobID int64, message string, retryable bool) (models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusRunning {
		return job, fmt.Errorf("job %d is %s: %w", jobID, job.Status, store.ErrJobNotRunning)
	}
	order, err := c.store.GetOrderByJob(ctx, jobID)
	hasOrder := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Job{}, err
	}
	if hasOrder && order.Status.Terminal() {
		retryable = false
	}

	if retryable && job.CanRetry() {
		delay := c.backoff(job.Attempts)
		retried, err := c.store.RetryJob(ctx, jobID, message, delay)
		if err != nil {
			return retried, err
		}
		if hasOrder {
			if _, err := c.leases.RenewFor(ctx, order.ScopeType, order.ScopeKey, order.ID, delay+c.leases.TTL()); err != nil {
				c.logger.Warn("extend lease over retry", "order_id", order.ID, "error", err)
			}
		}
		telemetry.WorkerRetries.Inc()
		c.audit(ctx, jobID, models.EventJobRetryScheduled, map[string]any{
			"error": message, "attempts": retried.Attempts, "delay_ms": delay.Milliseconds(), "run_after": retried.RunAfter,
		})
		c.logger.Warn("job retry scheduled", "job_id", jobID, "attempts", retried.Attempts, "delay", delay, "error", message)
		return retried, nil
	}

	var orderToFail *models.Order
	if hasOrder && !order.Status.Terminal() {
		orderToFail = &order
	}
	res, err := c.failJobWithOrder(ctx, job, message, orderToFail)
	if err != nil {
		return res.Job, err
	}
	c.logger.Error("job failed", "job_id", jobID, "kind", res.Job.Kind, "attempts", res.Job.Attempts, "error", message)
	return res.Job, nil
}

// failJob terminally fails a job on paths where the caller moves on
// regardless of the outcome. A non-nil order is failed with it.
func (c *Controller) failJob(ctx context.Context, job models.Job, message string, order *models.Order) {
	if _, err := c.failJobWithOrder(ctx, job, message, order); err != nil {
		c.logger.Error("fail job", "job_id", job.ID, "error", err)
	}
}

func (c *Controller) failJobWithOrder(ctx context.Context, job models.Job, message string, order *models.Order) (store.FinishJobResult, error) {
	p := store.FinishJobParams{
		JobID:        job.ID,
		Status:       models.StatusFailed,
		ErrorMessage: message,
		EventType:    models.EventJobFailed,
		EventPayload: mustJSON(map[string]any{"error": message, "attempts": job.Attempts}),
	}
	if order != nil {
		p.Order = orderFinish(order.ID, models.OrderFailed, models.EventOrderFailed, nil, message)
	}
	res, err := c.finishJob(ctx, p)
	if err != nil {
		return res, err
	}
	telemetry.WorkerFailures.Inc()
	return res, nil
}

// finishJob commits a terminal job transition, and the order's when one is
// given, then wakes stream followers of both scopes.
func (c *Controller) finishJob(ctx context.Context, p store.FinishJobParams) (store.FinishJobResult, error) {
	res, err := c.store.FinishJob(ctx, p)
	if err != nil {
		return res, err
	}
	if p.EventType != "" {
		c.log.Notify(ctx, res.JobEvent)
	}
	switch {
	case res.OrderFinished:
		c.log.Notify(ctx, res.OrderEvent)
		telemetry.OrdersFinished.WithLabelValues(string(res.Order.Status)).Inc()
		c.logger.Info("order finished", "order_id", res.Order.ID, "status", res.Order.Status)
	case p.Order != nil:
		c.logger.Info("order already finished", "order_id", p.Order.OrderID, "status", res.Order.Status)
	}
	return res, nil
}

// orderFinish builds a terminal order transition. The event payload carries
// the failure message, or the summary on success.
func orderFinish(orderID int64, status models.OrderStatus, eventType string, summary json.RawMessage, message string) *store.FinishOrderParams {
	p := &store.FinishOrderParams{
		OrderID:       orderID,
		Status:        status,
		ResultSummary: summary,
		ErrorMessage:  message,
		EventType:     eventType,
	}
	switch {
	case message != "":
		p.EventPayload = mustJSON(map[string]string{"message": message})
	case len(summary) > 0:
		p.EventPayload = summary
	}
	return p
}
