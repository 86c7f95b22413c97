// Package sweeper runs periodic maintenance: it requeues jobs whose worker
// died, deletes expired leases and applies event retention.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"generation-orchestrator/internal/archive"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/telemetry"
)

// Recoverer requeues stale running jobs and records their recovery.
type Recoverer interface {
	RecoverExpiredRunning(ctx context.Context, maxRun time.Duration) ([]models.Job, error)
}

// Store is the persistence maintenance touches.
type Store interface {
	DeleteExpiredLeases(ctx context.Context) (int64, error)
	ExpiredScopes(ctx context.Context, before time.Time, limit int) ([]string, error)
	ScopesOverCap(ctx context.Context, keep, limit int) ([]string, error)
	ListEventsAfter(ctx context.Context, scope string, after int64, limit int) ([]models.Event, error)
	PruneScope(ctx context.Context, scope string, keepLast int) ([]models.Event, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	VisibleJobs(ctx context.Context) (int64, error)
}

type Options struct {
	Interval       time.Duration
	MaxRunDuration time.Duration
	// RetentionTTL is how long a finished order or job keeps its events. Zero
	// disables full pruning.
	RetentionTTL time.Duration
	// RetentionKeep caps every scope to its newest events. Zero disables the cap.
	RetentionKeep int
	BatchSize     int
	Now           func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Recovered      int   `json:"recovered" yaml:"recovered"`
	Exhausted      int   `json:"exhausted" yaml:"exhausted"`
	LeasesDeleted  int64 `json:"leases_deleted" yaml:"leases_deleted"`
	ScopesPruned   int   `json:"scopes_pruned" yaml:"scopes_pruned"`
	EventsPruned   int   `json:"events_pruned" yaml:"events_pruned"`
	EventsArchived int   `json:"events_archived" yaml:"events_archived"`
}

type Sweeper struct {
	recoverer Recoverer
	store     Store
	sink      archive.Sink
	opts      Options
	logger    *slog.Logger
}

// New builds a sweeper. A nil sink deletes pruned events without archiving.
func New(rec Recoverer, st Store, sink archive.Sink, opts Options, logger *slog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxRunDuration <= 0 {
		opts.MaxRunDuration = 15 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		recoverer: rec,
		store:     st,
		sink:      sink,
		opts:      opts,
		logger:    logging.OrDiscard(logger).With("component", "sweeper"),
	}
}

// Run sweeps every Interval until ctx ends. A failed sweep is logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs every maintenance step once. Later steps still run when an
// earlier one fails; the errors are joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	jobs, err := s.recoverer.RecoverExpiredRunning(ctx, s.opts.MaxRunDuration)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover running: %w", err))
	}
	for _, job := range jobs {
		if job.Status == models.StatusFailed {
			rep.Exhausted++
		} else {
			rep.Recovered++
		}
	}

	n, err := s.store.DeleteExpiredLeases(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete leases: %w", err))
	}
	rep.LeasesDeleted = n
	telemetry.LeasesExpired.Add(float64(n))

	if s.opts.RetentionTTL > 0 {
		scopes, err := s.store.ExpiredScopes(ctx, s.opts.Now().Add(-s.opts.RetentionTTL), s.opts.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired scopes: %w", err))
		}
		for _, scope := range scopes {
			if err := s.prune(ctx, scope, 0, &rep); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s.opts.RetentionKeep > 0 {
		scopes, err := s.store.ScopesOverCap(ctx, s.opts.RetentionKeep, s.opts.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list scopes over cap: %w", err))
		}
		for _, scope := range scopes {
			if err := s.prune(ctx, scope, s.opts.RetentionKeep, &rep); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.updateGauges(ctx)
	if rep != (Report{}) {
		s.logger.Info("sweep finished", "recovered", rep.Recovered, "exhausted", rep.Exhausted, "leases_deleted", rep.LeasesDeleted,
			"scopes_pruned", rep.ScopesPruned, "events_pruned", rep.EventsPruned, "events_archived", rep.EventsArchived)
	}
	return rep, errors.Join(errs...)
}

// prune archives the events that fall outside keepLast, deletes them, then
// archives anything deleted that was appended after the first read.
func (s *Sweeper) prune(ctx context.Context, scope string, keepLast int, rep *Report) error {
	var archivedUpTo int64
	if s.sink != nil {
		all, err := s.listAll(ctx, scope)
		if err != nil {
			return err
		}
		if cut := len(all) - keepLast; cut > 0 {
			if err := s.archive(ctx, scope, all[:cut], rep); err != nil {
				return err
			}
			archivedUpTo = all[cut-1].Seq
		}
	}

	deleted, err := s.store.PruneScope(ctx, scope, keepLast)
	if err != nil {
		return fmt.Errorf("prune %s: %w", scope, err)
	}
	if len(deleted) == 0 {
		return nil
	}
	rep.ScopesPruned++
	rep.EventsPruned += len(deleted)
	telemetry.EventsPruned.Add(float64(len(deleted)))

	if s.sink != nil {
		var late []models.Event
		for _, ev := range deleted {
			if ev.Seq > archivedUpTo {
				late = append(late, ev)
			}
		}
		if len(late) > 0 {
			if err := s.archive(ctx, scope, late, rep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sweeper) listAll(ctx context.Context, scope string) ([]models.Event, error) {
	var (
		all  []models.Event
		last int64
	)
	for {
		page, err := s.store.ListEventsAfter(ctx, scope, last, s.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", scope, err)
		}
		all = append(all, page...)
		if len(page) < s.opts.BatchSize {
			return all, nil
		}
		last = page[len(page)-1].Seq
	}
}

func (s *Sweeper) archive(ctx context.Context, scope string, evs []models.Event, rep *Report) error {
	loc, err := s.sink.Archive(ctx, scope, evs)
	if err != nil {
		return fmt.Errorf("archive %s: %w", scope, err)
	}
	rep.EventsArchived += len(evs)
	s.logger.Debug("events archived", "scope", scope, "count", len(evs), "location", loc)
	return nil
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		s.logger.Warn("count jobs", "error", err)
		return
	}
	for _, st := range []models.JobStatus{models.StatusQueued, models.StatusRunning, models.StatusCompleted, models.StatusFailed} {
		telemetry.QueueDepthGauge.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	if visible, err := s.store.VisibleJobs(ctx); err == nil {
		telemetry.VisibleJobsGauge.Set(float64(visible))
	}
}
