package models

import "time"

// Lease is an exclusive, time-bounded claim over a (scope type, scope key) pair.
type Lease struct {
	ScopeType      string    `json:"scope_type"`
	ScopeKey       string    `json:"scope_key"`
	OwnerOrderID   int64     `json:"owner_order_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Live reports whether the lease still excludes other owners at now.
func (l Lease) Live(now time.Time) bool {
	return l.LeaseExpiresAt.After(now)
}
