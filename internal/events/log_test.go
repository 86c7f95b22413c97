package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
)

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func collect(events *[]models.Event, mu *sync.Mutex) func(models.Event) error {
	return func(ev models.Event) error {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
		return nil
	}
}

func TestListAfterPagingMatchesFullReplay(t *testing.T) {
	ctx := context.Background()
	log := NewLog(newStore(t), nil, nil)
	for i := 0; i < 7; i++ {
		_, err := log.AppendJSON(ctx, "order:7", models.EventOrderProgress, map[string]int{"i": i})
		require.NoError(t, err)
	}

	full, err := log.ListAfter(ctx, "order:7", 0, 0)
	require.NoError(t, err)

	var paged []models.Event
	var last int64
	for {
		page, err := log.ListAfter(ctx, "order:7", last, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		last = page[len(page)-1].Seq
	}
	assert.Equal(t, full, paged)

	tail, err := log.ListAfter(ctx, "order:7", 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 5)
	assert.Equal(t, int64(3), tail[0].Seq)
}

func TestFollowReplaysThenTails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub()
	log := NewLog(newStore(t), hub, nil)
	scope := models.OrderScope(1)

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, scope, models.EventOrderProgress, nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var got []models.Event
	done := make(chan error, 1)
	go func() {
		_, err := log.Follow(ctx, FollowOptions{
			Scope:             scope,
			LastSeen:          1,
			PageSize:          2,
			PollInterval:      time.Hour,
			StopAfterTerminal: true,
		}, collect(&got, &mu), nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return hub.Subscribers(scope) == 1 }, time.Second, 5*time.Millisecond)
	_, err := log.Append(ctx, scope, models.EventArticleUpserted, json.RawMessage(`{"id":1}`))
	require.NoError(t, err)
	_, err = log.Append(ctx, scope, models.EventOrderCompleted, nil)
	require.NoError(t, err)

	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	var seqs []int64
	for _, ev := range got {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{2, 3, 4, 5}, seqs)
	assert.Equal(t, 0, hub.Subscribers(scope))
}

func TestFollowResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log := NewLog(newStore(t), nil, nil)
	scope := models.JobScope(3)
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, scope, models.EventJobProgress, nil)
		require.NoError(t, err)
	}
	_, err := log.Append(ctx, scope, models.EventJobCompleted, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var first []models.Event
	stopAt := errors.New("client went away")
	last, err := log.Follow(ctx, FollowOptions{Scope: scope, PollInterval: time.Hour, StopAfterTerminal: true},
		func(ev models.Event) error {
			if ev.Seq == 3 {
				return stopAt
			}
			return collect(&first, &mu)(ev)
		}, nil)
	assert.ErrorIs(t, err, stopAt)
	assert.Equal(t, int64(2), last)

	var rest []models.Event
	last, err = log.Follow(ctx, FollowOptions{Scope: scope, LastSeen: last, PollInterval: time.Hour, StopAfterTerminal: true},
		collect(&rest, &mu), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)

	all, err := log.ListAfter(ctx, scope, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, all, append(first, rest...))
}

func TestFollowStopsWhenOwnerFinished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := NewLog(newStore(t), nil, nil)
	scope := models.OrderScope(9)
	_, err := log.Append(ctx, scope, models.EventOrderProgress, nil)
	require.NoError(t, err)

	calls := 0
	var mu sync.Mutex
	var got []models.Event
	last, err := log.Follow(ctx, FollowOptions{
		Scope:        scope,
		PollInterval: 10 * time.Millisecond,
		Finished: func(ctx context.Context) (bool, error) {
			calls++
			if calls == 2 {
				// Arrives after the owner turned terminal; the final drain must see it.
				_, err := log.Append(ctx, scope, models.EventOrderProgress, nil)
				return true, err
			}
			return false, nil
		},
	}, collect(&got, &mu), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
	assert.Len(t, got, 2)
}

func TestFollowHeartbeatAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	log := NewLog(newStore(t), NewHub(), nil)

	beats := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		_, err := log.Follow(ctx, FollowOptions{Scope: "order:5", PollInterval: time.Hour, Heartbeat: 10 * time.Millisecond},
			func(models.Event) error { return nil },
			func() error {
				beats <- struct{}{}
				return nil
			})
		done <- err
	}()

	<-beats
	<-beats
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
