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

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"generation-orchestrator/internal/models"
)

// SQLite is the single-file backend used for local runs and tests.
// Timestamps are stored as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	dsn string
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens the database file at path, or a full "file:" DSN.
func NewSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)
	dsn := sqliteDSN(path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; callers queue on the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, dsn: dsn, now: func() time.Time { return o.now().UTC() }}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path)
}

func (s *SQLite) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded SQLite migrations on a separate handle so
// goose is free to hold its own connection.
func (s *SQLite) Migrate(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return runMigrations(ctx, db, goose.DialectSQLite3, "migrations/sqlite")
}

func toMs(t time.Time) int64 { return t.UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func sqliteJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const sqliteJobColumns = `id, kind, scope_key, payload, status, priority, attempts, max_attempts,
	error_message, run_after, started_at, finished_at, claimed_by, created_at, updated_at`

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status, payload string
	var errMsg, claimedBy sql.NullString
	var runAfter, createdAt, updatedAt int64
	var startedAt, finishedAt sql.NullInt64
	err := row.Scan(&job.ID, &job.Kind, &job.ScopeKey, &payload, &status, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &errMsg, &runAfter, &startedAt, &finishedAt, &claimedBy, &createdAt, &updatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	job.ErrorMessage = nullString(errMsg)
	job.RunAfter = fromMs(runAfter)
	job.StartedAt = nullTime(startedAt)
	job.FinishedAt = nullTime(finishedAt)
	job.ClaimedBy = nullString(claimedBy)
	job.CreatedAt = fromMs(createdAt)
	job.UpdatedAt = fromMs(updatedAt)
	return job, nil
}

func (s *SQLite) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, error) {
	return s.insertJob(ctx, s.db, p)
}

func (s *SQLite) insertJob(ctx context.Context, q sqlQuerier, p EnqueueParams) (models.Job, error) {
	now := s.now()
	p = normalizeEnqueue(p, now)
	job, err := scanSQLiteJob(q.QueryRowContext(ctx, `
		INSERT INTO jobs (kind, scope_key, payload, status, priority, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		RETURNING `+sqliteJobColumns,
		p.Kind, p.ScopeKey, string(p.Payload), string(models.StatusQueued), p.Priority, p.MaxAttempts,
		toMs(p.RunAfter), toMs(now), toMs(now)))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ClaimNextJob(ctx context.Context, workerID string) (models.Job, bool, error) {
	now := toMs(s.now())
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, finished_at = NULL,
		    claimed_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_after <= ?
			ORDER BY priority ASC, id ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING `+sqliteJobColumns,
		string(models.StatusRunning), now, emptyToNil(workerID), now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (s *SQLite) CompleteJob(ctx context.Context, id int64) (models.Job, error) {
	res, err := s.FinishJob(ctx, FinishJobParams{JobID: id, Status: models.StatusCompleted})
	return res.Job, err
}

func (s *SQLite) RetryJob(ctx context.Context, id int64, message string, delay time.Duration) (models.Job, error) {
	now := s.now()
	return s.transitionJob(ctx, id, models.StatusRunning, `
		UPDATE jobs SET status = 'queued', run_after = ?, started_at = NULL, finished_at = NULL,
		    error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+sqliteJobColumns, toMs(now.Add(delay)), message, toMs(now))
}

func (s *SQLite) FailJob(ctx context.Context, id int64, message string) (models.Job, error) {
	res, err := s.FinishJob(ctx, FinishJobParams{JobID: id, Status: models.StatusFailed, ErrorMessage: message})
	return res.Job, err
}

// FinishJob reads through the transaction only: the pool has a single
// connection and the transaction holds it.
func (s *SQLite) FinishJob(ctx context.Context, p FinishJobParams) (FinishJobResult, error) {
	if err := checkFinishStatus(p); err != nil {
		return FinishJobResult{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FinishJobResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := toMs(s.now())
	job, err := scanSQLiteJob(tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING `+sqliteJobColumns,
		string(p.Status), emptyToNil(p.ErrorMessage), now, now, p.JobID))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, p.JobID))
		if errors.Is(getErr, sql.ErrNoRows) {
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
	if err := tx.Commit(); err != nil {
		return FinishJobResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *SQLite) DiscardJob(ctx context.Context, id int64, message string) (models.Job, error) {
	now := toMs(s.now())
	return s.transitionJob(ctx, id, models.StatusQueued, `
		UPDATE jobs SET status = 'failed', finished_at = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+sqliteJobColumns, now, message, now)
}

func (s *SQLite) RequeueJob(ctx context.Context, id int64) (models.Job, error) {
	now := toMs(s.now())
	return s.transitionJob(ctx, id, models.StatusFailed, `
		UPDATE jobs SET status = 'queued', attempts = 0, run_after = ?, error_message = NULL,
		    started_at = NULL, finished_at = NULL, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+sqliteJobColumns, now, now)
}

// transitionJob runs a conditional update whose last two placeholders are the
// job id and the required current status.
func (s *SQLite) transitionJob(ctx context.Context, id int64, from models.JobStatus, query string, args ...any) (models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, append(args, id, string(from))...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job %d: %w", id, err)
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return current, fmt.Errorf("job %d is %s: %w", id, current.Status, stateError(string(from)))
}

func (s *SQLite) RecoverExpiredRunning(ctx context.Context, maxRun time.Duration, message string) ([]models.Job, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = 'queued', run_after = ?, started_at = NULL, claimed_by = NULL,
		    error_message = ?, updated_at = ?
		WHERE status = 'running' AND started_at < ? AND attempts < max_attempts
		RETURNING `+sqliteJobColumns,
		toMs(now), message, toMs(now), toMs(now.Add(-maxRun)))
	if err != nil {
		return nil, fmt.Errorf("recover running jobs: %w", err)
	}
	jobs, err := collectSQLiteJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *SQLite) ExhaustedRunning(ctx context.Context, maxRun time.Duration) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE status = 'running' AND started_at < ? AND attempts >= max_attempts
		ORDER BY id`, toMs(s.now().Add(-maxRun)))
	if err != nil {
		return nil, fmt.Errorf("list exhausted jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLite) GetJob(ctx context.Context, id int64) (models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error) {
	var where []string
	var args []any
	if p.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(p.Status))
	}
	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, p.Kind)
	}
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(p.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func collectSQLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func (s *SQLite) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (s *SQLite) VisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'queued' AND run_after <= ?
	`, toMs(s.now())).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

const sqliteLeaseColumns = `scope_type, scope_key, owner_order_id, lease_expires_at, created_at, updated_at`

func scanSQLiteLease(row rowScanner) (models.Lease, error) {
	var l models.Lease
	var expires, created, updated int64
	if err := row.Scan(&l.ScopeType, &l.ScopeKey, &l.OwnerOrderID, &expires, &created, &updated); err != nil {
		return models.Lease{}, err
	}
	l.LeaseExpiresAt = fromMs(expires)
	l.CreatedAt = fromMs(created)
	l.UpdatedAt = fromMs(updated)
	return l, nil
}

func (s *SQLite) TryAcquireLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (LeaseResult, error) {
	return s.tryAcquireLease(ctx, s.db, scopeType, scopeKey, owner, ttl)
}

func (s *SQLite) tryAcquireLease(ctx context.Context, q sqlQuerier, scopeType, scopeKey string, owner int64, ttl time.Duration) (LeaseResult, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()
		lease, err := scanSQLiteLease(q.QueryRowContext(ctx, `
			INSERT INTO leases (scope_type, scope_key, owner_order_id, lease_expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope_type, scope_key) DO UPDATE
			SET owner_order_id = excluded.owner_order_id,
			    lease_expires_at = excluded.lease_expires_at,
			    created_at = CASE WHEN leases.owner_order_id = excluded.owner_order_id
			                      THEN leases.created_at ELSE excluded.created_at END,
			    updated_at = excluded.updated_at
			WHERE leases.lease_expires_at <= excluded.updated_at
			   OR leases.owner_order_id = excluded.owner_order_id
			RETURNING `+sqliteLeaseColumns,
			scopeType, scopeKey, owner, toMs(now.Add(ttl)), toMs(now), toMs(now)))
		if err == nil {
			return LeaseResult{Granted: true, Lease: lease}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return LeaseResult{}, fmt.Errorf("upsert lease: %w", err)
		}
		current, err := scanSQLiteLease(q.QueryRowContext(ctx, `
			SELECT `+sqliteLeaseColumns+` FROM leases WHERE scope_type = ? AND scope_key = ?
		`, scopeType, scopeKey))
		if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) ReleaseLease(ctx context.Context, scopeType, scopeKey string, owner int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE scope_type = ? AND scope_key = ? AND owner_order_id = ?
	`, scopeType, scopeKey, owner)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) RenewLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (models.Lease, error) {
	now := s.now()
	lease, err := scanSQLiteLease(s.db.QueryRowContext(ctx, `
		UPDATE leases SET lease_expires_at = ?, updated_at = ?
		WHERE scope_type = ? AND scope_key = ? AND owner_order_id = ?
		RETURNING `+sqliteLeaseColumns,
		toMs(now.Add(ttl)), toMs(now), scopeType, scopeKey, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Lease{}, fmt.Errorf("renew %s/%s for order %d: %w", scopeType, scopeKey, owner, ErrLeaseNotHeld)
	}
	if err != nil {
		return models.Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	return lease, nil
}

func (s *SQLite) GetLease(ctx context.Context, scopeType, scopeKey string) (models.Lease, error) {
	lease, err := scanSQLiteLease(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteLeaseColumns+` FROM leases WHERE scope_type = ? AND scope_key = ?
	`, scopeType, scopeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Lease{}, fmt.Errorf("lease %s/%s: %w", scopeType, scopeKey, ErrNotFound)
	}
	if err != nil {
		return models.Lease{}, fmt.Errorf("read lease: %w", err)
	}
	return lease, nil
}

func (s *SQLite) DeleteExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_expires_at <= ?`, toMs(s.now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired leases: %w", err)
	}
	return res.RowsAffected()
}

const sqliteOrderColumns = `id, scope_type, scope_key, kind, status, requested_by, job_id, result_summary,
	error_message, started_at, finished_at, created_at, updated_at`

func scanSQLiteOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var status string
	var jobID, startedAt, finishedAt sql.NullInt64
	var summary, errMsg sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&o.ID, &o.ScopeType, &o.ScopeKey, &o.Kind, &status, &o.RequestedBy, &jobID, &summary,
		&errMsg, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Status = models.OrderStatus(status)
	if jobID.Valid {
		id := jobID.Int64
		o.JobID = &id
	}
	if summary.Valid && summary.String != "" {
		o.ResultSummary = json.RawMessage(summary.String)
	}
	o.ErrorMessage = nullString(errMsg)
	o.StartedAt = nullTime(startedAt)
	o.FinishedAt = nullTime(finishedAt)
	o.CreatedAt = fromMs(createdAt)
	o.UpdatedAt = fromMs(updatedAt)
	return o, nil
}

func (s *SQLite) CreateOrder(ctx context.Context, p CreateOrderParams) (CreateOrderResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := toMs(s.now())
	order, err := scanSQLiteOrder(tx.QueryRowContext(ctx, `
		INSERT INTO orders (scope_type, scope_key, kind, status, requested_by, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?, ?)
		RETURNING `+sqliteOrderColumns,
		p.ScopeType, p.ScopeKey, p.Kind, p.RequestedBy, now, now))
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("insert order: %w", err)
	}

	lease, err := s.tryAcquireLease(ctx, tx, p.ScopeType, p.ScopeKey, order.ID, p.LeaseTTL)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if !lease.Granted {
		if err := tx.Rollback(); err != nil {
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
	order, err = scanSQLiteOrder(tx.QueryRowContext(ctx, `
		UPDATE orders SET job_id = ? WHERE id = ? RETURNING `+sqliteOrderColumns, job.ID, order.ID))
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

	if err := tx.Commit(); err != nil {
		return CreateOrderResult{}, fmt.Errorf("commit: %w", err)
	}
	return CreateOrderResult{Order: order, Job: job, Started: started}, nil
}

func (s *SQLite) MarkOrderRunning(ctx context.Context, id int64) (models.Order, bool, error) {
	now := toMs(s.now())
	order, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, `
		UPDATE orders SET status = 'running', started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = 'queued'
		RETURNING `+sqliteOrderColumns, now, now, id))
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) FinishOrder(ctx context.Context, p FinishOrderParams) (models.Order, models.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	order, ev, err := s.finishOrder(ctx, tx, p)
	if err != nil {
		return order, ev, err
	}
	if err := tx.Commit(); err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("commit: %w", err)
	}
	return order, ev, nil
}

func (s *SQLite) finishOrder(ctx context.Context, q sqlQuerier, p FinishOrderParams) (models.Order, models.Event, error) {
	now := toMs(s.now())
	order, err := scanSQLiteOrder(q.QueryRowContext(ctx, `
		UPDATE orders
		SET status = ?, result_summary = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
		RETURNING `+sqliteOrderColumns,
		string(p.Status), sqliteJSON(p.ResultSummary), emptyToNil(p.ErrorMessage), now, now, p.OrderID))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := scanSQLiteOrder(q.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, p.OrderID))
		if errors.Is(getErr, sql.ErrNoRows) {
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

	if _, err := q.ExecContext(ctx, `
		DELETE FROM leases WHERE scope_type = ? AND scope_key = ? AND owner_order_id = ?
	`, order.ScopeType, order.ScopeKey, order.ID); err != nil {
		return models.Order{}, models.Event{}, fmt.Errorf("release lease: %w", err)
	}
	ev, err := s.appendEvent(ctx, q, order.Scope(), p.EventType, p.EventPayload)
	if err != nil {
		return models.Order{}, models.Event{}, err
	}
	return order, ev, nil
}

func (s *SQLite) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	order, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return order, nil
}

func (s *SQLite) GetOrderByJob(ctx context.Context, jobID int64) (models.Order, error) {
	order, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order for job %d: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return order, nil
}

func (s *SQLite) ListOrders(ctx context.Context, p ListOrdersParams) ([]models.Order, error) {
	var where []string
	var args []any
	if p.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(p.Status))
	}
	if p.ScopeType != "" {
		where = append(where, "scope_type = ?")
		args = append(args, p.ScopeType)
	}
	if p.ScopeKey != "" {
		where = append(where, "scope_key = ?")
		args = append(args, p.ScopeKey)
	}
	query := `SELECT ` + sqliteOrderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(p.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	orders := []models.Order{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const sqliteEventColumns = `scope, seq, event_type, payload, created_at`

func scanSQLiteEvent(row rowScanner) (models.Event, error) {
	var ev models.Event
	var payload sql.NullString
	var createdAt int64
	if err := row.Scan(&ev.Scope, &ev.Seq, &ev.Type, &payload, &createdAt); err != nil {
		return models.Event{}, err
	}
	if payload.Valid && payload.String != "" {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.CreatedAt = fromMs(createdAt)
	return ev, nil
}

func (s *SQLite) AppendEvent(ctx context.Context, scope, eventType string, payload json.RawMessage) (models.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	ev, err := s.appendEvent(ctx, tx, scope, eventType, payload)
	if err != nil {
		return models.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Event{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

func (s *SQLite) appendEvent(ctx context.Context, q sqlQuerier, scope, eventType string, payload json.RawMessage) (models.Event, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `
		INSERT INTO event_scopes (scope, last_seq) VALUES (?, 1)
		ON CONFLICT (scope) DO UPDATE SET last_seq = event_scopes.last_seq + 1
		RETURNING last_seq
	`, scope).Scan(&seq); err != nil {
		return models.Event{}, fmt.Errorf("next event seq: %w", err)
	}
	now := s.now()
	if _, err := q.ExecContext(ctx, `
		INSERT INTO events (scope, seq, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, scope, seq, eventType, sqliteJSON(payload), toMs(now)); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return models.Event{Scope: scope, Seq: seq, Type: eventType, Payload: payload, CreatedAt: fromMs(toMs(now))}, nil
}

func (s *SQLite) ListEventsAfter(ctx context.Context, scope string, after int64, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteEventColumns+` FROM events
		WHERE scope = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, scope, after, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectSQLiteEvents(rows)
}

func collectSQLiteEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	events := []models.Event{}
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
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

func (s *SQLite) ExpiredScopes(ctx context.Context, before time.Time, limit int) ([]string, error) {
	cutoff := toMs(before)
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope FROM (
			SELECT 'order:' || o.id AS scope FROM orders o
			WHERE o.status IN ('completed', 'failed', 'cancelled') AND o.finished_at < ?
			UNION ALL
			SELECT 'job:' || j.id AS scope FROM jobs j
			WHERE j.status IN ('completed', 'failed') AND j.finished_at < ?
		) finished
		WHERE EXISTS (SELECT 1 FROM events e WHERE e.scope = finished.scope)
		LIMIT ?
	`, cutoff, cutoff, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired scopes: %w", err)
	}
	return collectSQLiteStrings(rows)
}

func (s *SQLite) ScopesOverCap(ctx context.Context, keep, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope FROM events GROUP BY scope HAVING COUNT(*) > ? LIMIT ?
	`, keep, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list scopes over cap: %w", err)
	}
	return collectSQLiteStrings(rows)
}

func collectSQLiteStrings(rows *sql.Rows) ([]string, error) {
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

func (s *SQLite) PruneScope(ctx context.Context, scope string, keepLast int) ([]models.Event, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM events
		WHERE scope = ?
		  AND seq <= (SELECT last_seq FROM event_scopes WHERE scope = ?) - ?
		RETURNING `+sqliteEventColumns, scope, scope, keepLast)
	if err != nil {
		return nil, fmt.Errorf("prune events: %w", err)
	}
	events, err := collectSQLiteEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}
