package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"generation-orchestrator/internal/lease"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/telemetry"
)

// Controller is the callback contract a worker drives.
type Controller interface {
	Claim(ctx context.Context, workerID string) (*orchestrator.Assignment, error)
	ReportProgress(ctx context.Context, jobID int64, eventType string, payload json.RawMessage) (models.Event, error)
	ReportSuccess(ctx context.Context, jobID int64, summary json.RawMessage) (models.Job, error)
	ReportFailure(ctx context.Context, jobID int64, message string, retryable bool) (models.Job, error)
	JobCancelled(ctx context.Context, jobID int64) (bool, error)
}

// LeaseKeeper renews an order's scope lease while its job runs.
type LeaseKeeper interface {
	KeepAlive(ctx context.Context, scopeType, scopeKey string, owner int64, interval time.Duration) error
}

// Handler executes a job of one kind. The returned summary is stored on the
// order when the job backs one.
type Handler func(ctx context.Context, task Task) (json.RawMessage, error)

// Task is one claimed job handed to a handler.
type Task struct {
	Job   models.Job
	Order *models.Order

	ctrl Controller
}

// Progress appends a progress event for the task. A cancelled order yields
// orchestrator.ErrOrderCancelled, and the handler should stop.
func (t Task) Progress(ctx context.Context, eventType string, v any) error {
	var raw json.RawMessage
	switch val := v.(type) {
	case nil:
	case json.RawMessage:
		raw = val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		raw = b
	}
	_, err := t.ctrl.ReportProgress(ctx, t.Job.ID, eventType, raw)
	return err
}

// Options tunes the processor loop.
type Options struct {
	WorkerID            string
	Concurrency         int
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
	CancelCheckInterval time.Duration
	LeaseRenewInterval  time.Duration
}

var (
	errOrderCancelled = errors.New("order cancelled")
	errShutdown       = errors.New("worker shutting down")
)

// Processor drives the worker execution loop.
type Processor struct {
	ctrl           Controller
	leases         LeaseKeeper
	opts           Options
	handlers       map[string]Handler
	defaultHandler Handler
	logger         *slog.Logger
}

// NewProcessor builds a processor. A nil leases disables lease keep-alive.
func NewProcessor(ctrl Controller, leases LeaseKeeper, opts Options, logger *slog.Logger) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	if opts.CancelCheckInterval <= 0 {
		opts.CancelCheckInterval = 2 * time.Second
	}
	if opts.LeaseRenewInterval <= 0 {
		opts.LeaseRenewInterval = 30 * time.Second
	}
	return &Processor{
		ctrl:     ctrl,
		leases:   leases,
		opts:     opts,
		handlers: make(map[string]Handler),
		logger:   logging.OrDiscard(logger).With("component", "worker", "worker_id", opts.WorkerID),
	}
}

// WorkerID is the identity recorded on claimed jobs.
func (p *Processor) WorkerID() string { return p.opts.WorkerID }

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// SetDefaultHandler serves kinds without a registered handler.
func (p *Processor) SetDefaultHandler(handler Handler) {
	p.defaultHandler = handler
}

// Run starts Concurrency claim loops and blocks until ctx is cancelled and
// every in-flight job has been reported.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", "concurrency", p.opts.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker stopped")
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	idle := p.opts.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("claim failed", "slot", slot, "error", err)
		}
		if ran {
			idle = p.opts.PollInterval
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
		if idle *= 2; idle > p.opts.MaxPollInterval {
			idle = p.opts.MaxPollInterval
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job ran.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	a, err := p.ctrl.Claim(ctx, p.opts.WorkerID)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}
	p.execute(ctx, a)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, a *orchestrator.Assignment) {
	job := a.Job
	logger := p.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	if a.Order != nil {
		logger = logger.With("order_id", a.Order.ID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go p.watchCancel(runCtx, cancel, job.ID)
	if a.Order != nil && p.leases != nil {
		order := *a.Order
		go func() {
			err := p.leases.KeepAlive(runCtx, order.ScopeType, order.ScopeKey, order.ID, p.opts.LeaseRenewInterval)
			if errors.Is(err, lease.ErrLeaseLost) {
				cancel(err)
			}
		}()
	}

	started := time.Now()
	summary, err := p.runJob(runCtx, Task{Job: job, Order: a.Order, ctrl: p.ctrl})
	cause := context.Cause(runCtx)
	if ctx.Err() != nil {
		cause = errShutdown
	}

	// Reports outlive shutdown so the job is not left running.
	report := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if _, err := p.ctrl.ReportSuccess(report, job.ID, summary); err != nil {
			logger.Warn("report success", "error", err)
			return
		}
		logger.Info("job succeeded", "duration", time.Since(started))
	case errors.Is(cause, errOrderCancelled), errors.Is(err, orchestrator.ErrOrderCancelled):
		logger.Info("job stopped: order cancelled")
		p.reportFailure(report, logger, job.ID, "order cancelled", false)
	case errors.Is(cause, lease.ErrLeaseLost):
		logger.Warn("job stopped: lease lost")
		p.reportFailure(report, logger, job.ID, "lease lost", false)
	case errors.Is(cause, errShutdown):
		p.reportFailure(report, logger, job.ID, errShutdown.Error(), true)
	default:
		p.reportFailure(report, logger, job.ID, err.Error(), !IsPermanent(err))
	}
}

func (p *Processor) reportFailure(ctx context.Context, logger *slog.Logger, jobID int64, message string, retryable bool) {
	if _, err := p.ctrl.ReportFailure(ctx, jobID, message, retryable); err != nil {
		logger.Error("report failure", "error", err)
	}
}

// watchCancel polls the order status and cancels the run once the order is
// no longer active.
func (p *Processor) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, jobID int64) {
	ticker := time.NewTicker(p.opts.CancelCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cancelled, err := p.ctrl.JobCancelled(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("check cancellation", "job_id", jobID, "error", err)
			}
			continue
		}
		if cancelled {
			cancel(errOrderCancelled)
			return
		}
	}
}

func (p *Processor) runJob(ctx context.Context, task Task) (json.RawMessage, error) {
	handler, ok := p.handlers[task.Job.Kind]
	if !ok {
		if p.defaultHandler == nil {
			return nil, Permanent(fmt.Errorf("no handler registered for kind %q", task.Job.Kind))
		}
		handler = p.defaultHandler
	}
	return handler(ctx, task)
}
