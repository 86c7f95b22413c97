package events

import (
	"context"
	"sync"
)

// Notifier carries wake-up hints between appenders and followers. A hint
// only says "scope has something at or beyond seq"; followers always reread
// the log, so dropped or duplicated hints are harmless.
type Notifier interface {
	Publish(ctx context.Context, scope string, seq int64) error
	// Subscribe is registered by the time it returns, so a follower that
	// subscribes before reading the log cannot miss an append.
	Subscribe(ctx context.Context, scope string) (Subscription, error)
}

// Subscription delivers hints for one scope until closed.
type Subscription interface {
	C() <-chan int64
	Close() error
}

// Hub is an in-process Notifier. It is enough when the API and the workers
// share a process; multi-process deployments use RedisNotifier.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*hubSub]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

type hubSub struct {
	hub   *Hub
	scope string
	ch    chan int64
	once  sync.Once
}

func (s *hubSub) C() <-chan int64 { return s.ch }

func (s *hubSub) Close() error {
	s.once.Do(func() { s.hub.remove(s) })
	return nil
}

func (h *Hub) Subscribe(_ context.Context, scope string) (Subscription, error) {
	s := &hubSub{hub: h, scope: scope, ch: make(chan int64, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[scope]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[scope] = set
	}
	set[s] = struct{}{}
	return s, nil
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.scope]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.scope)
	}
}

// Publish never blocks. A pending hint is replaced so the subscriber sees
// the highest seq published.
func (h *Hub) Publish(_ context.Context, scope string, seq int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[scope] {
		select {
		case pending := <-s.ch:
			latest := max(seq, pending)
			select {
			case s.ch <- latest:
			default:
			}
		case s.ch <- seq:
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions on scope.
func (h *Hub) Subscribers(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[scope])
}

// nopSub never fires; followers fall back to polling.
type nopSub struct{}

func (nopSub) C() <-chan int64 { return nil }
func (nopSub) Close() error    { return nil }
