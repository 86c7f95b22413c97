package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"generation-orchestrator/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	o := buildOptions(opts)
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, dsn: dsn, now: func() time.Time { return o.now().UTC() }}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded Postgres migrations through goose.
func (s *Postgres) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return runMigrations(ctx, db, goose.DialectPostgres, "migrations/postgres")
}

const pgJobColumns = `id, kind, scope_key, payload, status, priority, attempts, max_attempts,
	error_message, run_after, started_at, finished_at, claimed_by, created_at, updated_at`

func scanPgJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	var payload []byte
	err := row.Scan(&job.ID, &job.Kind, &job.ScopeKey, &payload, &status, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &job.ErrorMessage, &job.RunAfter, &job.StartedAt, &job.FinishedAt,
		&job.ClaimedBy, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	return job, nil
}

// EnqueueJob inserts a job row in queued status.
func (s *Postgres) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, error) {
	return s.insertJob(ctx, s.pool, p)
}

func (s *Postgres) insertJob(ctx context.Context, q pgQuerier, p EnqueueParams) (models.Job, error) {
	now := s.now()
	p = normalizeEnqueue(p, now)
	job, err := scanPgJob(q.QueryRow(ctx, `
		INSERT INTO jobs (kind, scope_key, payload, status, priority, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
		RETURNING `+pgJobColumns,
		p.Kind, p.ScopeKey, []byte(p.Payload), models.StatusQueued, p.Priority, p.MaxAttempts, p.RunAfter, now))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNextJob transitions the lowest (priority, id) visible job to running.
// SKIP LOCKED lets concurrent claimers pick different rows; the outer status
// check turns a lost race into a zero-row update.
func (s *Postgres) ClaimNextJob(ctx context.Context, workerID string) (models.Job, bool, error) {
	now := s.now()
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, attempts = attempts + 1, started_at = $2, finished_at = NULL,
		    claimed_by = $3, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $4 AND run_after <= $2
			ORDER BY priority ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $4
		RETURNING `+pgJobColumns,
		models.StatusRunning, now, emptyToNil(workerID), models.StatusQueued))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// CompleteJob marks a running job completed.
func (s *Postgres) CompleteJob(ctx context.Context, id int64) (models.Job, error) {
	res, err := s.FinishJob(ctx, FinishJobParams{JobID: id, Status: models.StatusCompleted})
	return res.Job, err
}

// RetryJob puts a running job back in the queue, invisible until now+delay.
func (s *Postgres) RetryJob(ctx context.Context, id int64, message string, delay time.Duration) (models.Job, error) {
	now := s.now()
	return s.transitionJob(ctx, id, models.StatusRunning, `
		UPDATE jobs SET status = $3, run_after = $4, started_at = NULL, finished_at = NULL,
		    error_message = $5, updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING `+pgJobColumns, models.StatusQueued, now.Add(delay), message, now)
}

// FailJob terminally fails a running job.
func (s *Postgres) FailJob(ctx context.Context, id int64, message string) (models.Job, error) {
	res, err := s.FinishJob(ctx, FinishJobParams{JobID: id, Status: models.StatusFailed, ErrorMessage: message})
	return res.Job, err
}

// FinishJob applies a terminal job transition with its event and, when
// requested, the order's terminal transition in the same transaction.
func (s *Postgres) FinishJob(ctx context.Context, p FinishJobParams) (FinishJobResult, error) {
	if err := checkFinishStatus(p); err != nil {
		return FinishJobResult{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FinishJobResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	job, err := scanPgJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = $3, error_message = $4, finished_at = $5, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+pgJobColumns,
		p.JobID, models.StatusRunning, p.Status, emptyToNil(p.ErrorMessage), now))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := scanPgJob(tx.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, p.JobID))
		if errors.Is(getErr, pgx.ErrNoRows) {
			return FinishJobResult{}, fmt.Errorf("job %d: %w", p.JobID, ErrNotFound)
		}
		if getErr != nil {
			return FinishJobResult{}, fmt.Errorf("read job %d: %w", p.JobID, getErr)
		}
		return FinishJobResult{Job: current}, fmt.Errorf("job %d is %s: %w", p.JobID, current.Status, ErrJobNotRunning)
	}
	if err != nil {
		return FinishJobResult{}, fmt.Errorf("update job %d: %w", p.JobID, err)
	}

	res := FinishJobResult{Job: job}
	if p.EventType != "" {
		if res.JobEvent, err = s.appendEvent(ctx, tx, models.JobScope(job.ID), p.EventType, p.EventPayload); err != nil {
			return FinishJobResult{}, err
		}
	}
	if p.Order != nil {
		order, ev, err := s.finishOrder(ctx, tx, *p.Order)
		switch {
		case err == nil:
			res.Order, res.OrderEvent, res.OrderFinished = order, ev, true
		case errors.Is(err, ErrOrderTerminal) && !p.RequireOrder:
			res.Order = order
		case errors.Is(err, ErrOrderTerminal):
			return FinishJobResult{Job: job, Order: order}, err
		default:
			return FinishJobResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return FinishJobResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// DiscardJob terminally fails a queued job.
func (s *Postgres) DiscardJob(ctx context.Context, id int64, message string) (models.Job, error) {
	now := s.now()
	return s.transitionJob(ctx, id, models.StatusQueued, `
		UPDATE jobs SET status = $3, finished_at = $4, error_message = $5, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+pgJobColumns, models.StatusFailed, now, message)
}

// RequeueJob resets a failed job to queued with its attempts cleared.
func (s *Postgres) RequeueJob(ctx context.Context, id int64) (models.Job, error) {
	now := s.now()
	return s.transitionJob(ctx, id, models.StatusFailed, `
		UPDATE jobs SET status = $3, attempts = 0, run_after = $4, error_message = NULL,
		    started_at = NULL, finished_at = NULL, claimed_by = NULL, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+pgJobColumns, models.StatusQueued, now)
}

// transitionJob runs a conditional update whose first two parameters are the
// job id and the required current status.
func (s *Postgres) transitionJob(ctx context.Context, id int64, from models.JobStatus, query string, args ...any) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, query, append([]any{id, from}, args...)...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job %d: %w", id, err)
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return current, fmt.Errorf("job %d is %s: %w", id, current.Status, stateError(string(from)))
}

// RecoverExpiredRunning requeues jobs whose worker is presumed dead and
// that have attempts left.
func (s *Postgres) RecoverExpiredRunning(ctx context.Context, maxRun time.Duration, message string) ([]models.Job, error) {
	now := s.now()
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $1, run_after = $2, started_at = NULL, claimed_by = NULL,
		    error_message = $3, updated_at = $2
		WHERE status = $4 AND started_at < $5 AND attempts < max_attempts
		RETURNING `+pgJobColumns,
		models.StatusQueued, now, message, models.StatusRunning, now.Add(-maxRun))
	if err != nil {
		return nil, fmt.Errorf("recover running jobs: %w", err)
	}
	return collectPgJobs(rows)
}

// ExhaustedRunning lists stale running jobs with no attempts left.
func (s *Postgres) ExhaustedRunning(ctx context.Context, maxRun time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE status = $1 AND started_at < $2 AND attempts >= max_attempts
		ORDER BY id`,
		models.StatusRunning, s.now().Add(-maxRun))
	if err != nil {
		return nil, fmt.Errorf("list exhausted jobs: %w", err)
	}
	return collectPgJobs(rows)
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs matching the filter.
func (s *Postgres) ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error) {
	var where []string
	var args []any
	if p.Status != "" {
		args = append(args, p.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.Kind != "" {
		args = append(args, p.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	query := `SELECT ` + pgJobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(p.Limit))
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectPgJobs(rows)
}

func collectPgJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of jobs in each status.
func (s *Postgres) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := map[models.JobStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// VisibleJobs returns count of jobs ready to run (run_after <= now and queued).
func (s *Postgres) VisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND run_after <= $2
	`, models.StatusQueued, s.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

const pgLeaseColumns = `scope_type, scope_key, owner_order_id, lease_expires_at, created_at, updated_at`

func scanPgLease(row rowScanner) (models.Lease, error) {
	var l models.Lease
	err := row.Scan(&l.ScopeType, &l.ScopeKey, &l.OwnerOrderID, &l.LeaseExpiresAt, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

// TryAcquireLease grants the lease when it is free, expired, or already
// owned by owner; otherwise it reports the live owner.
func (s *Postgres) TryAcquireLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (LeaseResult, error) {
	return s.tryAcquireLease(ctx, s.pool, scopeType, scopeKey, owner, ttl)
}

func (s *Postgres) tryAcquireLease(ctx context.Context, q pgQuerier, scopeType, scopeKey string, owner int64, ttl time.Duration) (LeaseResult, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()
		lease, err := scanPgLease(q.QueryRow(ctx, `
			INSERT INTO leases (scope_type, scope_key, owner_order_id, lease_expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (scope_type, scope_key) DO UPDATE
			SET owner_order_id = EXCLUDED.owner_order_id,
			    lease_expires_at = EXCLUDED.lease_expires_at,
			    created_at = CASE WHEN leases.owner_order_id = EXCLUDED.owner_order_id
			                      THEN leases.created_at ELSE EXCLUDED.created_at END,
			    updated_at = EXCLUDED.updated_at
			WHERE leases.lease_expires_at <= EXCLUDED.updated_at
			   OR leases.owner_order_id = EXCLUDED.owner_order_id
			RETURNING `+pgLeaseColumns,
			scopeType, scopeKey, owner, now.Add(ttl), now))
		if err == nil {
			return LeaseResult{Granted: true, Lease: lease}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return LeaseResult{}, fmt.Errorf("upsert lease: %w", err)
		}
		current, err := scanPgLease(q.QueryRow(ctx, `
			SELECT `+pgLeaseColumns+` FROM leases WHERE scope_type = $1 AND scope_key = $2
		`, scopeType, scopeKey))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return LeaseResult{}, fmt.Errorf("read lease: %w", err)
		}
		if !current.Live(now) {
			continue
		}
		return LeaseResult{Granted: false, Lease: current}, nil
	}
	return LeaseResult{}, fmt.Errorf("lease %s/%s: %w", scopeType, scopeKey, ErrLeaseContention)
}

// ReleaseLease deletes the lease only if owner still holds it.
func (s *Postgres) ReleaseLease(ctx context.Context, scopeType, scopeKey string, owner int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM leases WHERE scope_type = $1 AND scope_key = $2 AND owner_order_id = $3
	`, scopeType, scopeKey, owner)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease pushes the expiry forward while owner still holds the row.
func (s *Postgres) RenewLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (models.Lease, error) {
	now := s.now()
	lease, err := scanPgLease(s.pool.QueryRow(ctx, `
		UPDATE leases SET lease_expires_at = $4, updated_at = $5
		WHERE scope_type = $1 AND scope_key = $2 AND owner_order_id = $3
		RETURNING `+pgLeaseColumns,
		scopeType, scopeKey, owner, now.Add(ttl), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lease{}, fmt.Errorf("renew %s/%s for order %d: %w", scopeType, scopeKey, owner, ErrLeaseNotHeld)
	}
	if err != nil {
		return models.Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	return lease, nil
}

// GetLease returns the lease row for a scope, live or expired.
func (s *Postgres) GetLease(ctx context.Context, scopeType, scopeKey string) (models.Lease, error) {
	lease, err := scanPgLease(s.pool.QueryRow(ctx, `
		SELECT `+pgLeaseColumns+` FROM leases WHERE scope_type = $1 AND scope_key = $2
	`, scopeType, scopeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lease{}, fmt.Errorf("lease %s/%s: %w", scopeType, scopeKey, ErrNotFound)
	}
	if err != nil {
		return models.Lease{}, fmt.Errorf("read lease: %w", err)
	}
	return lease, nil
}

// DeleteExpiredLeases removes leases nobody renewed.
func (s *Postgres) DeleteExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE lease_expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

const pgOrderColumns = `id, scope_type, scope_key, kind, status, requested_by, job_id, result_summary,
	error_message, started_at, finished_at, created_at, updated_at`

func scanPgOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var status string
	var summary []byte
	err := row.Scan(&o.ID, &o.ScopeType, &o.ScopeKey, &o.Kind, &status, &o.RequestedBy, &o.JobID, &summary,
		&o.ErrorMessage, &o.StartedAt, &o.FinishedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Status = models.OrderStatus(status)
	if len(summary) > 0 {
		o.ResultSummary = json.RawMessage(summary)
	}
	return o, nil
}

// CreateOrder inserts the order, acquires its lease and enqueues its job.
// Losing the lease race rolls everything back and reports the live owner.
func (s *Postgres) CreateOrder(ctx context.Context, p CreateOrderParams) (CreateOrderResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.now()
	order, err := scanPgOrder(tx.QueryRow(ctx, `
		INSERT INTO orders (scope_type, scope_key, kind, status, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+pgOrderColumns,
		p.ScopeType, p.ScopeKey, p.Kind, models.OrderQueued, p.RequestedBy, now))
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("insert order: %w", err)
	}

	lease, err := s.tryAcquireLease(ctx, tx, p.ScopeType, p.ScopeKey, order.ID, p.LeaseTTL)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if !lease.Granted {
		if err := tx.Rollback(ctx); err != nil {
			return CreateOrderResult{}, fmt.Errorf("rollback after lease conflict: %w", err)
		}
		return CreateOrderResult{Conflict: true, ActiveOrderID: lease.Lease.OwnerOrderID, ActiveLease: lease.Lease}, nil
	}

	payload, err := orderJobPayload(order.ID, p)
	if err != nil {
		return CreateOrderResult{}, err
	}
	job, err := s.insertJob(ctx, tx, EnqueueParams{
		Kind:        p.JobKind,
		ScopeKey:    JobScopeKey(p.ScopeType, p.ScopeKey),
		Payload:     payload,
		Priority:    p.JobPriority,
		MaxAttempts: p.JobMaxAttempts,
	})
	if err != nil {
		return CreateOrderResult{}, err
	}
	order, err = scanPgOrder(tx.QueryRow(ctx, `
		UPDATE orders SET job_id = $2 WHERE id = $1 RETURNING `+pgOrderColumns, order.ID, job.ID))
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("link order job: %w", err)
	}
	body, err := startedPayload(order, job.ID)
	if err != nil {
		return CreateOrderResult{}, err
	}
	started, err := s.appendEvent(ctx, tx, order.Scope(), models.EventOrderStarted, body)
	if err != nil {
		return CreateOrderResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateOrderResult{}, fmt.Errorf("commit: %w", err)
	}
	return CreateOrderResult{Order: order, Job: job, Started: started}, nil
}

// MarkOrderRunning moves a queued order to running.
func (s *Postgres) MarkOrderRunning(ctx context.Context, id int64) (models.Order, bool, error) {
	now := s.now()
	order, err := scanPgOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET status = $2, started_at = COALESCE(started_at, $3), updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+pgOrderColumns, id, models.OrderRunning, now, models.OrderQueued))
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, false, fmt.Errorf("mark order running: %w", err)
	}
	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return models.Order{}, false, err
	}
	if current.Status.Terminal() {
		return current, false, fmt.Errorf("order %d is %s: %w", id, current.Status, ErrOrderTerminal)
	}
	return current, false, nil
}

// FinishOrder applies a terminal transition, releases the order's lease and
// appends the terminal event atomically.
func (s *Postgres) FinishOrder(ctx context.Context, p FinishOrderParams) (models.Order, models.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, ev, err := s.finishOrder(ctx, tx, p)
	if err != nil {
		return order, ev, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("commit: %w", err)
	}
	return order, ev, nil
}

func (s *Postgres) finishOrder(ctx context.Context, q pgQuerier, p FinishOrderParams) (models.Order, models.Event, error) {
	now := s.now()
	order, err := scanPgOrder(q.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, result_summary = $3, error_message = $4, finished_at = $5, updated_at = $5
		WHERE id = $1 AND status IN ($6, $7)
		RETURNING `+pgOrderColumns,
		p.OrderID, p.Status, pgJSON(p.ResultSummary), emptyToNil(p.ErrorMessage), now,
		models.OrderQueued, models.OrderRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := scanPgOrder(q.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, p.OrderID))
		if errors.Is(getErr, pgx.ErrNoRows) {
			return models.Order{}, models.Event{}, fmt.Errorf("order %d: %w", p.OrderID, ErrNotFound)
		}
		if getErr != nil {
			return models.Order{}, models.Event{}, fmt.Errorf("read order: %w", getErr)
		}
		return current, models.Event{}, fmt.Errorf("order %d is %s: %w", p.OrderID, current.Status, ErrOrderTerminal)
	}
	if err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("finish order: %w", err)
	}

	if _, err := q.Exec(ctx, `
		DELETE FROM leases WHERE scope_type = $1 AND scope_key = $2 AND owner_order_id = $3
	`, order.ScopeType, order.ScopeKey, order.ID); err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("release lease: %w", err)
	}
	ev, err := s.appendEvent(ctx, q, order.Scope(), p.EventType, p.EventPayload)
	if err != nil {
		return models.Order{}, models.Event{}, err
	}
	return order, ev, nil
}

// GetOrder fetches an order by id.
func (s *Postgres) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	order, err := scanPgOrder(s.pool.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return order, nil
}

// GetOrderByJob returns the order executed by the given job.
func (s *Postgres) GetOrderByJob(ctx context.Context, jobID int64) (models.Order, error) {
	order, err := scanPgOrder(s.pool.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order for job %d: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return order, nil
}

// ListOrders returns the newest orders matching the filter.
func (s *Postgres) ListOrders(ctx context.Context, p ListOrdersParams) ([]models.Order, error) {
	var where []string
	var args []any
	if p.Status != "" {
		args = append(args, p.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.ScopeType != "" {
		args = append(args, p.ScopeType)
		where = append(where, fmt.Sprintf("scope_type = $%d", len(args)))
	}
	if p.ScopeKey != "" {
		args = append(args, p.ScopeKey)
		where = append(where, fmt.Sprintf("scope_key = $%d", len(args)))
	}
	query := `SELECT ` + pgOrderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(p.Limit))
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	orders := []models.Order{}
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const pgEventColumns = `scope, seq, event_type, payload, created_at`

func scanPgEvent(row rowScanner) (models.Event, error) {
	var ev models.Event
	var payload []byte
	if err := row.Scan(&ev.Scope, &ev.Seq, &ev.Type, &payload, &ev.CreatedAt); err != nil {
		return models.Event{}, err
	}
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(payload)
	}
	return ev, nil
}

// AppendEvent adds an event to a scope's log.
func (s *Postgres) AppendEvent(ctx context.Context, scope, eventType string, payload json.RawMessage) (models.Event, error) {
	var ev models.Event
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		ev, err = s.appendEvent(ctx, tx, scope, eventType, payload)
		return err
	})
	return ev, err
}

// appendEvent bumps the scope counter and inserts the event. The counter row
// stays locked until the surrounding transaction ends, so events of a scope
// commit in seq order.
func (s *Postgres) appendEvent(ctx context.Context, q pgQuerier, scope, eventType string, payload json.RawMessage) (models.Event, error) {
	var seq int64
	if err := q.QueryRow(ctx, `
		INSERT INTO event_scopes (scope, last_seq) VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET last_seq = event_scopes.last_seq + 1
		RETURNING last_seq
	`, scope).Scan(&seq); err != nil {
		return models.Event{}, fmt.Errorf("next event seq: %w", err)
	}
	ev := models.Event{Scope: scope, Seq: seq, Type: eventType, Payload: payload, CreatedAt: s.now()}
	if _, err := q.Exec(ctx, `
		INSERT INTO events (scope, seq, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.Scope, ev.Seq, ev.Type, pgJSON(payload), ev.CreatedAt); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// ListEventsAfter returns up to limit events with seq > after, in seq order.
func (s *Postgres) ListEventsAfter(ctx context.Context, scope string, after int64, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgEventColumns+` FROM events
		WHERE scope = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, scope, after, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectPgEvents(rows)
}

func collectPgEvents(rows pgx.Rows) ([]models.Event, error) {
	defer rows.Close()
	events := []models.Event{}
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ExpiredScopes lists order and job scopes finished before the cutoff.
func (s *Postgres) ExpiredScopes(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope FROM (
			SELECT 'order:' || o.id AS scope FROM orders o
			WHERE o.status IN ($1, $2, $3) AND o.finished_at < $4
			UNION ALL
			SELECT 'job:' || j.id AS scope FROM jobs j
			WHERE j.status IN ($5, $6) AND j.finished_at < $4
		) finished
		WHERE EXISTS (SELECT 1 FROM events e WHERE e.scope = finished.scope)
		LIMIT $7
	`, models.OrderCompleted, models.OrderFailed, models.OrderCancelled, before,
		models.StatusCompleted, models.StatusFailed, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired scopes: %w", err)
	}
	return collectPgStrings(rows)
}

// ScopesOverCap lists scopes holding more than keep events.
func (s *Postgres) ScopesOverCap(ctx context.Context, keep, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope FROM events GROUP BY scope HAVING COUNT(*) > $1 LIMIT $2
	`, keep, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list scopes over cap: %w", err)
	}
	return collectPgStrings(rows)
}

func collectPgStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PruneScope deletes all but the newest keepLast events of scope.
func (s *Postgres) PruneScope(ctx context.Context, scope string, keepLast int) ([]models.Event, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	rows, err := s.pool.Query(ctx, `
		DELETE FROM events
		WHERE scope = $1
		  AND seq <= (SELECT last_seq FROM event_scopes WHERE scope = $1) - $2
		RETURNING `+pgEventColumns, scope, keepLast)
	if err != nil {
		return nil, fmt.Errorf("prune events: %w", err)
	}
	events, err := collectPgEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// pgJSON maps an empty payload to SQL NULL.
func pgJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
