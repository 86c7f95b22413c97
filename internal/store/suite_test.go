package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/models"
)

// testClock is a settable time source shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock *testClock) Store

// runStoreSuite exercises behaviour every backend must share.
func runStoreSuite(t *testing.T, open storeFactory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store, clock *testClock)
	}{
		{"ClaimOrdersByPriorityThenID", testClaimOrder},
		{"ClaimPriorityZeroFirst", testClaimPriorityZeroFirst},
		{"ClaimHonoursRunAfter", testClaimRunAfter},
		{"ClaimEmptyQueue", testClaimEmpty},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"JobTransitionsRequireState", testJobTransitions},
		{"RetryDelaysVisibility", testRetryDelay},
		{"RequeueResetsAttempts", testRequeue},
		{"RecoverExpiredRunning", testRecover},
		{"RecoverLeavesExhaustedJobs", testRecoverExhausted},
		{"FinishJobWithOrder", testFinishJobWithOrder},
		{"FinishJobAfterOrderCancelled", testFinishJobCancelledOrder},
		{"LeaseLifecycle", testLeaseLifecycle},
		{"ExpiredLeaseTakeover", testLeaseTakeover},
		{"CreateOrderTakesLease", testCreateOrder},
		{"CreateOrderConflict", testCreateOrderConflict},
		{"ConcurrentCreateOrderSingleWinner", testConcurrentCreateOrder},
		{"OrderRunningAndFinish", testOrderFinish},
		{"EventSequencePerScope", testEventSequence},
		{"PruneKeepsNewestEvents", testPrune},
		{"ExpiredScopes", testExpiredScopes},
		{"ListFilters", testListFilters},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clock := newTestClock()
			s := open(t, clock)
			tc.fn(t, s, clock)
		})
	}
}

func enqueue(t *testing.T, s Store, kind string, priority int) models.Job {
	t.Helper()
	job, err := s.EnqueueJob(context.Background(), EnqueueParams{Kind: kind, Priority: priority, Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	return job
}

func testClaimOrder(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	low := enqueue(t, s, models.KindMailGenerate, 200)
	high1 := enqueue(t, s, models.KindMailGenerate, 10)
	high2 := enqueue(t, s, models.KindMailGenerate, 10)

	var got []int64
	for i := 0; i < 3; i++ {
		job, ok, err := s.ClaimNextJob(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StatusRunning, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.StartedAt)
		require.NotNil(t, job.ClaimedBy)
		assert.Equal(t, "w1", *job.ClaimedBy)
		got = append(got, job.ID)
	}
	assert.Equal(t, []int64{high1.ID, high2.ID, low.ID}, got)
}

func testClaimPriorityZeroFirst(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	later := enqueue(t, s, models.KindMailGenerate, 5)
	urgent := enqueue(t, s, models.KindMailGenerate, 0)
	assert.Equal(t, 0, urgent.Priority)

	job, ok, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, urgent.ID, job.ID)

	job, ok, err = s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.ID, job.ID)
}

func testClaimRunAfter(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	_, err := s.EnqueueJob(ctx, EnqueueParams{Kind: models.KindMailGenerate, RunAfter: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, ok, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	visible, err := s.VisibleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), visible)

	clock.Advance(time.Minute)
	job, ok, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{}`, string(job.Payload))
}

func testClaimEmpty(t *testing.T, s Store, _ *testClock) {
	job, ok, err := s.ClaimNextJob(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, job.ID)
}

func testConcurrentClaims(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		enqueue(t, s, models.KindMailGenerate, 100)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.ClaimNextJob(ctx, "w")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func testJobTransitions(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	job := enqueue(t, s, models.KindMailGenerate, 100)

	_, err := s.CompleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotRunning)
	_, err = s.RequeueJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFailed)
	_, err = s.CompleteJob(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, ok, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.DiscardJob(ctx, claimed.ID, "nope")
	assert.ErrorIs(t, err, ErrJobNotQueued)

	done, err := s.CompleteJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Nil(t, done.ErrorMessage)

	current, err := s.FailJob(ctx, claimed.ID, "late")
	assert.ErrorIs(t, err, ErrJobNotRunning)
	assert.Equal(t, models.StatusCompleted, current.Status)

	queued := enqueue(t, s, models.KindMailGenerate, 100)
	discarded, err := s.DiscardJob(ctx, queued.ID, "order cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, discarded.Status)
	require.NotNil(t, discarded.ErrorMessage)
	assert.Equal(t, "order cancelled", *discarded.ErrorMessage)
	assert.Equal(t, 0, discarded.Attempts)
}

func testRetryDelay(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	enqueue(t, s, models.KindMailGenerate, 100)
	claimed, _, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)

	retried, err := s.RetryJob(ctx, claimed.ID, "boom", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, retried.Status)
	assert.Nil(t, retried.StartedAt)
	require.NotNil(t, retried.ErrorMessage)
	assert.Equal(t, "boom", *retried.ErrorMessage)
	assert.True(t, retried.RunAfter.Equal(clock.Now().Add(30*time.Second)))

	_, ok, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(31 * time.Second)
	again, ok, err := s.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, again.Attempts)
	assert.True(t, again.CanRetry())
}

func testRequeue(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	_, err := s.EnqueueJob(ctx, EnqueueParams{Kind: models.KindMailGenerate, MaxAttempts: 1})
	require.NoError(t, err)
	claimed, _, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, claimed.CanRetry())

	failed, err := s.FailJob(ctx, claimed.ID, "permanent")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)

	requeued, err := s.RequeueJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)
	assert.Nil(t, requeued.ErrorMessage)
	assert.Nil(t, requeued.FinishedAt)
}

func testRecover(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	enqueue(t, s, models.KindMailGenerate, 100)
	enqueue(t, s, models.KindMailGenerate, 100)
	stale, _, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	fresh, _, err := s.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)

	recovered, err := s.RecoverExpiredRunning(ctx, 5*time.Minute, "worker timed out")
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, stale.ID, recovered[0].ID)
	assert.Equal(t, models.StatusQueued, recovered[0].Status)
	assert.Equal(t, 1, recovered[0].Attempts)
	assert.Nil(t, recovered[0].ClaimedBy)

	still, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, still.Status)

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.StatusQueued])
	assert.Equal(t, int64(1), counts[models.StatusRunning])
}

func testRecoverExhausted(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	_, err := s.EnqueueJob(ctx, EnqueueParams{Kind: models.KindMailGenerate, MaxAttempts: 1})
	require.NoError(t, err)
	claimed, _, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	clock.Advance(10 * time.Minute)
	recovered, err := s.RecoverExpiredRunning(ctx, 5*time.Minute, "worker timed out")
	require.NoError(t, err)
	assert.Empty(t, recovered)

	exhausted, err := s.ExhaustedRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, claimed.ID, exhausted[0].ID)
	assert.Equal(t, models.StatusRunning, exhausted[0].Status)

	_, ok, err := s.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, ok)

	failed, err := s.FailJob(ctx, claimed.ID, "worker timed out")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.LessOrEqual(t, failed.Attempts, failed.MaxAttempts)

	exhausted, err = s.ExhaustedRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, exhausted)
}

func testFinishJobWithOrder(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	created, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	claimed, _, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.MarkOrderRunning(ctx, created.Order.ID)
	require.NoError(t, err)

	res, err := s.FinishJob(ctx, FinishJobParams{
		JobID:        claimed.ID,
		Status:       models.StatusCompleted,
		EventType:    models.EventJobCompleted,
		EventPayload: json.RawMessage(`{"attempts":1}`),
		Order: &FinishOrderParams{
			OrderID:       created.Order.ID,
			Status:        models.OrderCompleted,
			ResultSummary: json.RawMessage(`{"articles":2}`),
			EventType:     models.EventOrderCompleted,
		},
		RequireOrder: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Job.Status)
	assert.True(t, res.OrderFinished)
	assert.Equal(t, models.OrderCompleted, res.Order.Status)
	assert.Equal(t, models.EventJobCompleted, res.JobEvent.Type)
	assert.Equal(t, models.JobScope(claimed.ID), res.JobEvent.Scope)
	assert.Equal(t, models.EventOrderCompleted, res.OrderEvent.Type)

	jobEvents, err := s.ListEventsAfter(ctx, models.JobScope(claimed.ID), 0, 10)
	require.NoError(t, err)
	require.Len(t, jobEvents, 1)
	assert.Equal(t, models.EventJobCompleted, jobEvents[0].Type)

	_, err = s.GetLease(ctx, models.ScopeQuery, "42")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := s.FinishJob(ctx, FinishJobParams{JobID: claimed.ID, Status: models.StatusCompleted, EventType: models.EventJobCompleted})
	assert.ErrorIs(t, err, ErrJobNotRunning)
	assert.Equal(t, models.StatusCompleted, again.Job.Status)

	_, err = s.FinishJob(ctx, FinishJobParams{JobID: claimed.ID, Status: models.StatusQueued})
	assert.Error(t, err)
	_, err = s.FinishJob(ctx, FinishJobParams{JobID: 9999, Status: models.StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testFinishJobCancelledOrder(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	created, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	claimed, _, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.FinishOrder(ctx, FinishOrderParams{
		OrderID: created.Order.ID, Status: models.OrderCancelled, EventType: models.EventOrderCancelled,
	})
	require.NoError(t, err)

	complete := FinishJobParams{JobID: claimed.ID, Status: models.StatusCompleted, EventType: models.EventJobCompleted}
	complete.Order = &FinishOrderParams{OrderID: created.Order.ID, Status: models.OrderCompleted, EventType: models.EventOrderCompleted}
	complete.RequireOrder = true
	res, err := s.FinishJob(ctx, complete)
	require.ErrorIs(t, err, ErrOrderTerminal)
	assert.Equal(t, models.OrderCancelled, res.Order.Status)

	job, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
	jobEvents, err := s.ListEventsAfter(ctx, models.JobScope(claimed.ID), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, jobEvents)

	fail := FinishJobParams{JobID: claimed.ID, Status: models.StatusFailed, ErrorMessage: "order cancelled", EventType: models.EventJobFailed}
	fail.Order = &FinishOrderParams{OrderID: created.Order.ID, Status: models.OrderFailed, EventType: models.EventOrderFailed}
	res, err = s.FinishJob(ctx, fail)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Job.Status)
	assert.False(t, res.OrderFinished)
	assert.Equal(t, models.OrderCancelled, res.Order.Status)

	orderEvents, err := s.ListEventsAfter(ctx, models.OrderScope(created.Order.ID), 0, 10)
	require.NoError(t, err)
	require.Len(t, orderEvents, 2)
	assert.Equal(t, models.EventOrderCancelled, orderEvents[1].Type)
}

func testLeaseLifecycle(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	res, err := s.TryAcquireLease(ctx, models.ScopeQuery, "42", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Granted)
	assert.Equal(t, int64(1), res.Lease.OwnerOrderID)
	created := res.Lease.CreatedAt

	other, err := s.TryAcquireLease(ctx, models.ScopeQuery, "42", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, other.Granted)
	assert.Equal(t, int64(1), other.Lease.OwnerOrderID)

	clock.Advance(10 * time.Second)
	again, err := s.TryAcquireLease(ctx, models.ScopeQuery, "42", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, again.Granted)
	assert.True(t, again.Lease.CreatedAt.Equal(created))
	assert.True(t, again.Lease.LeaseExpiresAt.Equal(clock.Now().Add(time.Minute)))

	renewed, err := s.RenewLease(ctx, models.ScopeQuery, "42", 1, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.LeaseExpiresAt.Equal(clock.Now().Add(2*time.Minute)))
	_, err = s.RenewLease(ctx, models.ScopeQuery, "42", 2, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseNotHeld)

	released, err := s.ReleaseLease(ctx, models.ScopeQuery, "42", 2)
	require.NoError(t, err)
	assert.False(t, released)
	released, err = s.ReleaseLease(ctx, models.ScopeQuery, "42", 1)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = s.GetLease(ctx, models.ScopeQuery, "42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testLeaseTakeover(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	_, err := s.TryAcquireLease(ctx, models.ScopeIntent, "7", 1, time.Minute)
	require.NoError(t, err)
	_, err = s.TryAcquireLease(ctx, models.ScopeThread, "7", 3, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := s.TryAcquireLease(ctx, models.ScopeIntent, "7", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Granted)
	assert.Equal(t, int64(2), res.Lease.OwnerOrderID)
	assert.True(t, res.Lease.CreatedAt.Equal(clock.Now()))

	clock.Advance(time.Minute)
	deleted, err := s.DeleteExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	lease, err := s.GetLease(ctx, models.ScopeThread, "7")
	require.NoError(t, err)
	assert.Equal(t, int64(3), lease.OwnerOrderID)
}

func createParams(scopeKey string) CreateOrderParams {
	return CreateOrderParams{
		ScopeType:   models.ScopeQuery,
		ScopeKey:    scopeKey,
		Kind:        models.OrderKindFull,
		RequestedBy: "tester",
		Request:     json.RawMessage(`{"locale":"en"}`),
		LeaseTTL:    time.Minute,
		JobKind:     models.KindSearchGenerate,
	}
}

func testCreateOrder(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	res, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	require.False(t, res.Conflict)

	assert.Equal(t, models.OrderQueued, res.Order.Status)
	require.NotNil(t, res.Order.JobID)
	assert.Equal(t, res.Job.ID, *res.Order.JobID)
	assert.Equal(t, "query:42", res.Job.ScopeKey)
	assert.Equal(t, models.KindSearchGenerate, res.Job.Kind)

	var payload models.OrderJobPayload
	require.NoError(t, json.Unmarshal(res.Job.Payload, &payload))
	assert.Equal(t, res.Order.ID, payload.OrderID)
	assert.JSONEq(t, `{"locale":"en"}`, string(payload.Request))

	assert.Equal(t, int64(1), res.Started.Seq)
	assert.Equal(t, models.EventOrderStarted, res.Started.Type)
	assert.Equal(t, models.OrderScope(res.Order.ID), res.Started.Scope)

	lease, err := s.GetLease(ctx, models.ScopeQuery, "42")
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, lease.OwnerOrderID)

	byJob, err := s.GetOrderByJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, byJob.ID)
}

func testCreateOrderConflict(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	first, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)

	second, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	require.True(t, second.Conflict)
	assert.Equal(t, first.Order.ID, second.ActiveOrderID)

	orders, err := s.ListOrders(ctx, ListOrdersParams{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	jobs, err := s.ListJobs(ctx, ListJobsParams{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	other, err := s.CreateOrder(ctx, createParams("43"))
	require.NoError(t, err)
	assert.False(t, other.Conflict)

	clock.Advance(2 * time.Minute)
	takeover, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	assert.False(t, takeover.Conflict)
}

func testConcurrentCreateOrder(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	const callers = 8
	results := make([]CreateOrderResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.CreateOrder(ctx, createParams("hot"))
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner int64
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Conflict {
			winners++
			winner = results[i].Order.ID
		}
	}
	require.Equal(t, 1, winners)
	for i := range results {
		if results[i].Conflict {
			assert.Equal(t, winner, results[i].ActiveOrderID)
		}
	}
}

func testOrderFinish(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	res, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	id := res.Order.ID

	running, first, err := s.MarkOrderRunning(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, models.OrderRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	_, first, err = s.MarkOrderRunning(ctx, id)
	require.NoError(t, err)
	assert.False(t, first)

	finished, ev, err := s.FinishOrder(ctx, FinishOrderParams{
		OrderID:       id,
		Status:        models.OrderCompleted,
		ResultSummary: json.RawMessage(`{"articles":3}`),
		EventType:     models.EventOrderCompleted,
		EventPayload:  json.RawMessage(`{"articles":3}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, finished.Status)
	assert.JSONEq(t, `{"articles":3}`, string(finished.ResultSummary))
	assert.NotNil(t, finished.FinishedAt)
	assert.Equal(t, int64(2), ev.Seq)

	_, err = s.GetLease(ctx, models.ScopeQuery, "42")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.FinishOrder(ctx, FinishOrderParams{OrderID: id, Status: models.OrderFailed, EventType: models.EventOrderFailed})
	assert.ErrorIs(t, err, ErrOrderTerminal)
	_, _, err = s.MarkOrderRunning(ctx, id)
	assert.ErrorIs(t, err, ErrOrderTerminal)
	_, _, err = s.FinishOrder(ctx, FinishOrderParams{OrderID: 9999, Status: models.OrderFailed, EventType: models.EventOrderFailed})
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := s.ListEventsAfter(ctx, models.OrderScope(id), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventOrderCompleted, events[1].Type)
}

func testEventSequence(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, "order:1", models.EventOrderProgress, json.RawMessage(`{"step":1}`))
		require.NoError(t, err)
	}
	ev, err := s.AppendEvent(ctx, "order:2", models.EventOrderProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)

	page, err := s.ListEventsAfter(ctx, "order:1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)
	assert.JSONEq(t, `{"step":1}`, string(page[0].Payload))

	tail, err := s.ListEventsAfter(ctx, "order:1", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)

	other, err := s.ListEventsAfter(ctx, "order:2", 0, 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Nil(t, other[0].Payload)
}

func testPrune(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := s.AppendEvent(ctx, "job:9", models.EventJobProgress, nil)
		require.NoError(t, err)
	}
	over, err := s.ScopesOverCap(ctx, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job:9"}, over)

	pruned, err := s.PruneScope(ctx, "job:9", 4)
	require.NoError(t, err)
	require.Len(t, pruned, 2)
	assert.Equal(t, int64(1), pruned[0].Seq)
	assert.Equal(t, int64(2), pruned[1].Seq)

	rest, err := s.ListEventsAfter(ctx, "job:9", 0, 10)
	require.NoError(t, err)
	require.Len(t, rest, 4)
	assert.Equal(t, int64(3), rest[0].Seq)

	next, err := s.AppendEvent(ctx, "job:9", models.EventJobProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), next.Seq)

	over, err = s.ScopesOverCap(ctx, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job:9"}, over)
}

func testExpiredScopes(t *testing.T, s Store, clock *testClock) {
	ctx := context.Background()
	res, err := s.CreateOrder(ctx, createParams("42"))
	require.NoError(t, err)
	_, _, err = s.FinishOrder(ctx, FinishOrderParams{
		OrderID: res.Order.ID, Status: models.OrderCancelled, EventType: models.EventOrderCancelled,
	})
	require.NoError(t, err)
	_, err = s.DiscardJob(ctx, res.Job.ID, "order cancelled")
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, models.JobScope(res.Job.ID), models.EventJobFailed, nil)
	require.NoError(t, err)

	active, err := s.CreateOrder(ctx, createParams("43"))
	require.NoError(t, err)

	scopes, err := s.ExpiredScopes(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, scopes)

	clock.Advance(time.Hour)
	scopes, err = s.ExpiredScopes(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.OrderScope(res.Order.ID), models.JobScope(res.Job.ID)}, scopes)
	assert.NotContains(t, scopes, models.OrderScope(active.Order.ID))
}

func testListFilters(t *testing.T, s Store, _ *testClock) {
	ctx := context.Background()
	enqueue(t, s, models.KindMailGenerate, 100)
	enqueue(t, s, models.KindSearchSpellcheck, 100)
	_, err := s.CreateOrder(ctx, createParams("1"))
	require.NoError(t, err)

	jobs, err := s.ListJobs(ctx, ListJobsParams{Kind: models.KindSearchSpellcheck})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.KindSearchSpellcheck, jobs[0].Kind)

	all, err := s.ListJobs(ctx, ListJobsParams{Status: models.StatusQueued, Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Greater(t, all[0].ID, all[1].ID)

	orders, err := s.ListOrders(ctx, ListOrdersParams{ScopeType: models.ScopeQuery, ScopeKey: "1"})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	orders, err = s.ListOrders(ctx, ListOrdersParams{Status: models.OrderRunning})
	require.NoError(t, err)
	assert.Empty(t, orders)
}
