package store

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobNotRunning is returned by transitions that require a running job.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrJobNotQueued is returned by transitions that require a queued job.
	ErrJobNotQueued = errors.New("job is not queued")
	// ErrJobNotFailed is returned when requeueing a job that has not failed.
	ErrJobNotFailed = errors.New("job has not failed")
	// ErrOrderTerminal is returned when an order has already finished.
	ErrOrderTerminal = errors.New("order already finished")
	// ErrLeaseNotHeld is returned when the caller does not own the lease.
	ErrLeaseNotHeld = errors.New("lease not held by owner")
	// ErrLeaseContention is returned when a lease changed hands repeatedly
	// while it was being acquired.
	ErrLeaseContention = errors.New("lease contention")
)

func stateError(from string) error {
	switch from {
	case "running":
		return ErrJobNotRunning
	case "queued":
		return ErrJobNotQueued
	case "failed":
		return ErrJobNotFailed
	}
	return errors.New("job is not in state " + from)
}
