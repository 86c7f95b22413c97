package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"generation-orchestrator/internal/logging"
)

// RedisNotifier fans hints out over Redis pub/sub on channel events:<scope>.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisNotifier(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logging.OrDiscard(logger).With("component", "redis_notifier")}
}

func channelName(scope string) string {
	return "events:" + scope
}

func (n *RedisNotifier) Publish(ctx context.Context, scope string, seq int64) error {
	if err := n.client.Publish(ctx, channelName(scope), strconv.FormatInt(seq, 10)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", scope, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning.
func (n *RedisNotifier) Subscribe(ctx context.Context, scope string) (Subscription, error) {
	ps := n.client.Subscribe(ctx, channelName(scope))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}
	s := &redisSub{ps: ps, ch: make(chan int64, 1), done: make(chan struct{})}
	go s.pump(n.logger)
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan int64
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan int64 { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) pump(logger *slog.Logger) {
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			seq, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				logger.Warn("ignoring malformed hint", "channel", msg.Channel, "payload", msg.Payload)
				continue
			}
			select {
			case s.ch <- seq:
			default:
			}
		}
	}
}
