// Package lease serializes regeneration of one logical resource. A lease is a
// row per (scope type, scope key) with an expiry; holders renew it while they
// work and anyone may take it over once it lapses.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
)

// ErrLeaseLost is returned once another owner holds the lease, or the row
// has been released.
var ErrLeaseLost = errors.New("lease lost")

// Store is the persistence the manager needs.
type Store interface {
	TryAcquireLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (store.LeaseResult, error)
	ReleaseLease(ctx context.Context, scopeType, scopeKey string, owner int64) (bool, error)
	RenewLease(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (models.Lease, error)
	GetLease(ctx context.Context, scopeType, scopeKey string) (models.Lease, error)
}

// Availability answers whether a scope could be leased right now.
type Availability struct {
	Available     bool       `json:"available"`
	ActiveOrderID int64      `json:"active_order_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Manager grants and maintains leases with a default TTL.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the time source used to judge liveness in Check.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(st Store, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{store: st, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDiscard(m.logger).With("component", "lease")
	return m
}

// TTL is the lease duration applied on acquire and renew.
func (m *Manager) TTL() time.Duration { return m.ttl }

// TryAcquire grants the lease to owner or reports the live holder.
func (m *Manager) TryAcquire(ctx context.Context, scopeType, scopeKey string, owner int64) (store.LeaseResult, error) {
	return m.store.TryAcquireLease(ctx, scopeType, scopeKey, owner, m.ttl)
}

// Release drops the lease if owner still holds it. Releasing a lease that was
// reassigned after expiry is a no-op that reports false.
func (m *Manager) Release(ctx context.Context, scopeType, scopeKey string, owner int64) (bool, error) {
	return m.store.ReleaseLease(ctx, scopeType, scopeKey, owner)
}

// Renew extends the lease by the default TTL.
func (m *Manager) Renew(ctx context.Context, scopeType, scopeKey string, owner int64) (models.Lease, error) {
	return m.RenewFor(ctx, scopeType, scopeKey, owner, m.ttl)
}

// RenewFor extends the lease to now+ttl, for callers that know the work will
// resume only after a delay.
func (m *Manager) RenewFor(ctx context.Context, scopeType, scopeKey string, owner int64, ttl time.Duration) (models.Lease, error) {
	l, err := m.store.RenewLease(ctx, scopeType, scopeKey, owner, ttl)
	if errors.Is(err, store.ErrLeaseNotHeld) {
		return models.Lease{}, fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return l, err
}

// Check reports whether the scope is free without acquiring anything.
func (m *Manager) Check(ctx context.Context, scopeType, scopeKey string) (Availability, error) {
	l, err := m.store.GetLease(ctx, scopeType, scopeKey)
	if errors.Is(err, store.ErrNotFound) {
		return Availability{Available: true}, nil
	}
	if err != nil {
		return Availability{}, err
	}
	if !l.Live(m.now()) {
		return Availability{Available: true}, nil
	}
	expires := l.LeaseExpiresAt
	return Availability{Available: false, ActiveOrderID: l.OwnerOrderID, ExpiresAt: &expires}, nil
}

// KeepAlive renews the lease every interval until ctx ends, returning nil, or
// the lease is lost, returning ErrLeaseLost. Transient store errors are
// logged and retried on the next tick.
func (m *Manager) KeepAlive(ctx context.Context, scopeType, scopeKey string, owner int64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		_, err := m.Renew(ctx, scopeType, scopeKey, owner)
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost):
			m.logger.Warn("lease lost", "scope_type", scopeType, "scope_key", scopeKey, "order_id", owner)
			return err
		case ctx.Err() != nil:
			return nil
		default:
			m.logger.Error("renew lease", "scope_type", scopeType, "scope_key", scopeKey, "order_id", owner, "error", err)
		}
	}
}
