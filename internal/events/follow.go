package events

import (
	"context"
	"time"

	"generation-orchestrator/internal/models"
)

// FollowOptions configures one follower.
type FollowOptions struct {
	Scope string
	// LastSeen is the highest id the client already has; 0 replays everything.
	LastSeen int64
	PageSize int
	// PollInterval is the safety net for lost hints.
	PollInterval time.Duration
	// Heartbeat is how often the heartbeat callback runs while idle; 0 disables it.
	Heartbeat time.Duration
	// StopAfterTerminal ends the follow once a terminal event is delivered.
	StopAfterTerminal bool
	// Finished, when set, reports whether the scope's owner is terminal. The
	// follow drains once more after it turns true, then ends.
	Finished func(ctx context.Context) (bool, error)
}

// Follow replays events after LastSeen and then tails the scope. Replay and
// tail are the same loop: drain pages until caught up, then wait for a hint,
// a poll tick or a heartbeat. It returns the last delivered id; a reconnect
// passing that id resumes exactly where this call stopped.
func (l *Log) Follow(ctx context.Context, opts FollowOptions, emit func(models.Event) error, heartbeat func() error) (int64, error) {
	last := opts.LastSeen
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	var sub Subscription = nopSub{}
	if l.notifier != nil {
		s, err := l.notifier.Subscribe(ctx, opts.Scope)
		if err != nil {
			l.logger.Warn("subscribe failed, polling only", "scope", opts.Scope, "error", err)
		} else {
			sub = s
		}
	}
	defer sub.Close()

	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	var beat <-chan time.Time
	if opts.Heartbeat > 0 && heartbeat != nil {
		t := time.NewTicker(opts.Heartbeat)
		defer t.Stop()
		beat = t.C
	}

	finishing := false
	for {
		for {
			page, err := l.ListAfter(ctx, opts.Scope, last, pageSize)
			if err != nil {
				return last, err
			}
			for _, ev := range page {
				if err := emit(ev); err != nil {
					return last, err
				}
				last = ev.Seq
				if opts.StopAfterTerminal && models.TerminalEvent(ev.Type) {
					return last, nil
				}
			}
			if len(page) < pageSize {
				break
			}
		}
		if finishing {
			return last, nil
		}
		if opts.Finished != nil {
			done, err := opts.Finished(ctx)
			if err != nil {
				return last, err
			}
			if done {
				finishing = true
				continue
			}
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case seq := <-sub.C():
				if seq > last {
					break wait
				}
			case <-pollTicker.C:
				break wait
			case <-beat:
				if err := heartbeat(); err != nil {
					return last, err
				}
			}
		}
	}
}
