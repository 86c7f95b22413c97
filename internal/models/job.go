package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the jobs table.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed without a manual requeue.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job kinds accepted by the queue.
const (
	KindMailGenerate     = "mail.generate"
	KindSearchGenerate   = "search.generate"
	KindSearchSpellcheck = "search.spellcheck"
	KindSearchIntents    = "search.intents"
	KindSearchArticles   = "search.articles"
)

var jobKinds = map[string]bool{
	KindMailGenerate:     true,
	KindSearchGenerate:   true,
	KindSearchSpellcheck: true,
	KindSearchIntents:    true,
	KindSearchArticles:   true,
}

// ValidJobKind reports whether kind is a known job kind.
func ValidJobKind(kind string) bool {
	return jobKinds[kind]
}

// Job represents a unit of asynchronous work persisted in the jobs table.
type Job struct {
	ID           int64           `json:"id"`
	Kind         string          `json:"kind"`
	ScopeKey     string          `json:"scope_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RunAfter     time.Time       `json:"run_after"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	ClaimedBy    *string         `json:"claimed_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CanRetry reports whether another attempt is allowed after the current one.
func (j Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}
