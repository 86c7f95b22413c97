package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/events"
	"generation-orchestrator/internal/lease"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctrl  *Controller
	store *store.SQLite
	clock *clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "orch.db"), store.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(ctx))

	leases := lease.NewManager(st, time.Minute, lease.WithClock(c.Now))
	log := events.NewLog(st, events.NewHub(), nil)
	ctrl := New(st, leases, log, Options{
		MaxAttempts:        2,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Second,
		StreamPollInterval: 10 * time.Millisecond,
		StreamHeartbeat:    time.Second,
		Now:                c.Now,
	}, nil)
	ctrl.backoff = func(int) time.Duration { return 10 * time.Second }
	return fixture{ctrl: ctrl, store: st, clock: c}
}

func fullOrder(key string) CreateOrderRequest {
	return CreateOrderRequest{
		ScopeType:   models.ScopeQuery,
		ScopeKey:    key,
		Kind:        models.OrderKindFull,
		RequestedBy: "tester",
		Request:     json.RawMessage(`{"query":"boots"}`),
	}
}

func eventTypes(evs []models.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestCreateOrderValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.CreateOrder(context.Background(), CreateOrderRequest{ScopeType: "planet", ScopeKey: "x", Kind: "full"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.ctrl.CreateOrder(context.Background(), CreateOrderRequest{ScopeType: "query", ScopeKey: "x", Kind: "partial"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateOrderConflictNamesActiveOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	require.False(t, first.Conflict)
	assert.Equal(t, models.OrderQueued, first.Order.Status)
	assert.Equal(t, models.KindSearchGenerate, first.Job.Kind)

	second, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	assert.True(t, second.Conflict)
	assert.Equal(t, first.Order.ID, second.ActiveOrderID)

	av, err := f.ctrl.CheckAvailability(ctx, models.ScopeQuery, "q1")
	require.NoError(t, err)
	assert.False(t, av.Available)
	assert.Equal(t, first.Order.ID, av.ActiveOrderID)

	other, err := f.ctrl.CreateOrder(ctx, fullOrder("q2"))
	require.NoError(t, err)
	assert.False(t, other.Conflict)
}

func TestOrderHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)

	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, a.Order)
	assert.Equal(t, created.Job.ID, a.Job.ID)
	assert.Equal(t, models.OrderRunning, a.Order.Status)
	assert.Equal(t, 1, a.Job.Attempts)

	_, err = f.ctrl.ReportProgress(ctx, a.Job.ID, models.EventIntentUpserted, json.RawMessage(`{"intent_id":7}`))
	require.NoError(t, err)
	_, err = f.ctrl.ReportProgress(ctx, a.Job.ID, "", json.RawMessage(`{"stage":"articles"}`))
	require.NoError(t, err)

	_, err = f.ctrl.OrderLogs(ctx, created.Order.ID)
	require.ErrorIs(t, err, ErrOrderActive)

	job, err := f.ctrl.ReportSuccess(ctx, a.Job.ID, json.RawMessage(`{"intents":1}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)

	again, err := f.ctrl.ReportSuccess(ctx, a.Job.ID, nil)
	require.NoError(t, err, "repeat success is a no-op")
	assert.Equal(t, models.StatusCompleted, again.Status)

	order, err := f.ctrl.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.JSONEq(t, `{"intents":1}`, string(order.ResultSummary))

	logs, err := f.ctrl.OrderLogs(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.EventOrderStarted, models.EventOrderRunning, models.EventIntentUpserted,
		models.EventOrderProgress, models.EventOrderCompleted,
	}, eventTypes(logs))

	jobEvents, err := f.ctrl.JobEvents(ctx, a.Job.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{models.EventJobEnqueued, models.EventJobClaimed, models.EventJobCompleted}, eventTypes(jobEvents))

	av, err := f.ctrl.CheckAvailability(ctx, models.ScopeQuery, "q1")
	require.NoError(t, err)
	assert.True(t, av.Available, "lease released on completion")

	next, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	assert.False(t, next.Conflict)
}

func TestReportProgressRejectsTerminalTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = f.ctrl.ReportProgress(ctx, a.Job.ID, models.EventOrderCompleted, nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRetryKeepsLeaseThenFailsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)

	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	job, err := f.ctrl.ReportFailure(ctx, a.Job.ID, "upstream 503", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.WithinDuration(t, f.clock.Now().Add(10*time.Second), job.RunAfter, time.Millisecond)

	none, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, none, "retry is delayed")

	// The lease was stretched over the delay, so the scope stays locked past one TTL.
	f.clock.Advance(65 * time.Second)
	conflict, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	assert.True(t, conflict.Conflict)

	a, err = f.ctrl.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 2, a.Job.Attempts)

	job, err = f.ctrl.ReportFailure(ctx, a.Job.ID, "upstream 503", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status, "attempts exhausted")

	order, err := f.ctrl.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)
	require.NotNil(t, order.ErrorMessage)
	assert.Equal(t, "upstream 503", *order.ErrorMessage)

	logs, err := f.ctrl.OrderLogs(ctx, created.Order.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, models.EventOrderFailed, last.Type)
	assert.JSONEq(t, `{"message":"upstream 503"}`, string(last.Payload))
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)

	job, err := f.ctrl.ReportFailure(ctx, a.Job.ID, "bad request", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestCancelQueuedOrderDiscardsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)

	order, err := f.ctrl.CancelOrder(ctx, created.Order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, order.Status)

	job, err := f.ctrl.GetJob(ctx, created.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)

	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = f.ctrl.CancelOrder(ctx, created.Order.ID, "")
	require.ErrorIs(t, err, store.ErrOrderTerminal)

	av, err := f.ctrl.CheckAvailability(ctx, models.ScopeQuery, "q1")
	require.NoError(t, err)
	assert.True(t, av.Available)
}

func TestCancelRunningOrderStopsWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = f.ctrl.CancelOrder(ctx, created.Order.ID, "user abort")
	require.NoError(t, err)

	cancelled, err := f.ctrl.JobCancelled(ctx, a.Job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = f.ctrl.ReportProgress(ctx, a.Job.ID, "", nil)
	require.ErrorIs(t, err, ErrOrderCancelled)

	_, err = f.ctrl.ReportSuccess(ctx, a.Job.ID, nil)
	require.ErrorIs(t, err, ErrOrderCancelled)

	stored, err := f.ctrl.GetJob(ctx, a.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)

	order, err := f.ctrl.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, order.Status)
}

func TestClaimFailsJobWhoseLeaseWasTaken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	fresh, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	require.False(t, fresh.Conflict)

	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, fresh.Order.ID, a.Order.ID)

	order, err := f.ctrl.GetOrder(ctx, stale.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)
	require.NotNil(t, order.ErrorMessage)
	assert.Equal(t, "lease lost", *order.ErrorMessage)

	job, err := f.ctrl.GetJob(ctx, stale.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)

	av, err := f.ctrl.CheckAvailability(ctx, models.ScopeQuery, "q1")
	require.NoError(t, err)
	assert.Equal(t, fresh.Order.ID, av.ActiveOrderID, "failing the stale order keeps the new owner's lease")
}

func TestClaimRevivesExpiredLeaseStillOwned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, created.Order.ID, a.Order.ID)

	av, err := f.ctrl.CheckAvailability(ctx, models.ScopeQuery, "q1")
	require.NoError(t, err)
	assert.False(t, av.Available)
}

func TestPlainJobLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ctrl.EnqueueJob(ctx, EnqueueJobRequest{Kind: "image.resize"})
	require.ErrorIs(t, err, ErrValidation)

	job, err := f.ctrl.EnqueueJob(ctx, EnqueueJobRequest{Kind: models.KindMailGenerate, Payload: json.RawMessage(`{"thread":3}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, job.MaxAttempts)

	delayed, err := f.ctrl.EnqueueJob(ctx, EnqueueJobRequest{Kind: models.KindMailGenerate, DelaySeconds: 30})
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Now().Add(30*time.Second), delayed.RunAfter, time.Millisecond)

	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Nil(t, a.Order)
	assert.Equal(t, job.ID, a.Job.ID)

	ev, err := f.ctrl.ReportProgress(ctx, job.ID, "", json.RawMessage(`{"pct":50}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobScope(job.ID), ev.Scope)
	assert.Equal(t, models.EventJobProgress, ev.Type)

	cancelled, err := f.ctrl.JobCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = f.ctrl.ReportFailure(ctx, job.ID, "smtp down", false)
	require.NoError(t, err)

	requeued, err := f.ctrl.RequeueJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)

	evs, err := f.ctrl.JobEvents(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.EventJobEnqueued, models.EventJobClaimed, models.EventJobProgress,
		models.EventJobFailed, models.EventJobRequeued,
	}, eventTypes(evs))
}

func TestRequeueRejectsOrderJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = f.ctrl.ReportFailure(ctx, a.Job.ID, "boom", false)
	require.NoError(t, err)

	_, err = f.ctrl.RequeueJob(ctx, created.Job.ID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRecoverExpiredRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, err := f.ctrl.EnqueueJob(ctx, EnqueueJobRequest{Kind: models.KindSearchSpellcheck})
	require.NoError(t, err)
	_, err = f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)

	recovered, err := f.ctrl.RecoverExpiredRunning(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	f.clock.Advance(2 * time.Minute)
	recovered, err = f.ctrl.RecoverExpiredRunning(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, job.ID, recovered[0].ID)
	assert.Equal(t, models.StatusQueued, recovered[0].Status)

	evs, err := f.ctrl.JobEvents(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.EventJobRecovered, evs[len(evs)-1].Type)
}

func TestRecoverFailsOrderOutOfAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		a, err := f.ctrl.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, a, "claim %d", attempt)
		assert.Equal(t, attempt, a.Job.Attempts)
		f.clock.Advance(2 * time.Minute)
		_, err = f.ctrl.RecoverExpiredRunning(ctx, time.Minute)
		require.NoError(t, err)
	}

	job, err := f.ctrl.GetJob(ctx, created.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)

	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, a)

	order, err := f.ctrl.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)

	logs, err := f.ctrl.OrderLogs(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventOrderFailed, logs[len(logs)-1].Type)

	jobEvents, err := f.ctrl.JobEvents(ctx, created.Job.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.EventJobFailed, jobEvents[len(jobEvents)-1].Type)

	av, err := f.ctrl.CheckAvailability(ctx, models.ScopeQuery, "q1")
	require.NoError(t, err)
	assert.True(t, av.Available)
}

func TestStreamJobEndsWithTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	job, err := f.ctrl.EnqueueJob(ctx, EnqueueJobRequest{Kind: models.KindSearchSpellcheck})
	require.NoError(t, err)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, a)

	var (
		mu  sync.Mutex
		got []models.Event
	)
	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.StreamJob(ctx, job.ID, 0, func(ev models.Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		}, func() error { return nil })
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond, "replay of enqueued and claimed")

	_, err = f.ctrl.ReportSuccess(ctx, job.ID, nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("stream did not stop after the terminal event")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{models.EventJobEnqueued, models.EventJobClaimed, models.EventJobCompleted}, eventTypes(got))
}

func TestStreamOrderReplaysAndTails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	created, err := f.ctrl.CreateOrder(ctx, fullOrder("q1"))
	require.NoError(t, err)
	a, err := f.ctrl.Claim(ctx, "w1")
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []models.Event
	)
	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.StreamOrder(ctx, created.Order.ID, 0, func(ev models.Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		}, func() error { return nil })
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond, "replay of started and running")

	_, err = f.ctrl.ReportProgress(ctx, a.Job.ID, "", json.RawMessage(`{"stage":"intents"}`))
	require.NoError(t, err)
	_, err = f.ctrl.ReportSuccess(ctx, a.Job.ID, nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("stream did not stop after the terminal event")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		models.EventOrderStarted, models.EventOrderRunning, models.EventOrderProgress, models.EventOrderCompleted,
	}, eventTypes(got))
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	var resumed []models.Event
	require.NoError(t, f.ctrl.StreamOrder(ctx, created.Order.ID, 2, func(ev models.Event) error {
		resumed = append(resumed, ev)
		return nil
	}, nil))
	assert.Equal(t, got[2:], resumed)
}
