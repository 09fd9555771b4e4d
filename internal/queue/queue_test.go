package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagelift/internal/config"
	"pagelift/internal/db"
	"pagelift/internal/domain"
	"pagelift/internal/migrate"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T) (*Manager, *clock, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffBaseMs = 1000
	cfg.Queue.BackoffMaxMs = 60000

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(conn, cfg)
	m.Now = clk.Now
	return m, clk, conn
}

func req(actionID string, gen, priority int, delay time.Duration) EnqueueRequest {
	return EnqueueRequest{
		ActionID:          actionID,
		Owner:             domain.Owner{UserID: "u1", SiteURL: "https://example.com"},
		ActionType:        "noop",
		Priority:          priority,
		Delay:             delay,
		AttemptGeneration: gen,
		TriggeredBy:       "u1",
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, IdempotencyKey("a1", 0), IdempotencyKey("a1", 0))
	assert.NotEqual(t, IdempotencyKey("a1", 0), IdempotencyKey("a1", 1))
	assert.NotEqual(t, IdempotencyKey("a1", 0), IdempotencyKey("a2", 0))
}

func TestEnqueueDuplicateIsNoOp(t *testing.T) {
	m, _, conn := newTestQueue(t)
	ctx := context.Background()

	first, err := m.Enqueue(ctx, req("a1", 0, 0, 0))
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, req("a1", 0, 5, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM queue_jobs`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEnqueueNewGenerationCreatesNewJob(t *testing.T) {
	m, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := m.Enqueue(ctx, req("a1", 0, 0, 0))
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, req("a1", 1, 0, 0))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDequeueOrdering(t *testing.T) {
	m, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, req("low-first", 0, 1, 0))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, req("high", 0, 9, 0))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, req("low-second", 0, 1, 0))
	require.NoError(t, err)

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		job, err := m.Dequeue(ctx, "w1")
		require.NoError(t, err)
		got = append(got, job.ActionID)
	}
	// Priority wins; FIFO among equal priorities.
	assert.Equal(t, []string{"high", "low-first", "low-second"}, got)

	_, err = m.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDelayedJobInvisibleUntilDue(t *testing.T) {
	m, clk, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, req("a1", 0, 0, 10*time.Minute))
	require.NoError(t, err)

	_, err = m.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)

	clk.Advance(10 * time.Minute)
	job, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "a1", job.ActionID)
	assert.Equal(t, domain.JobClaimed, job.Status)
	require.NotNil(t, job.ClaimedBy)
	assert.Equal(t, "w1", *job.ClaimedBy)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	m, clk, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, req("a1", 0, 0, 0))
	require.NoError(t, err)
	job, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)

	dead, err := m.Fail(ctx, job, assert.AnError)
	require.NoError(t, err)
	assert.False(t, dead)

	// Backoff base is 1s; the job is invisible until it elapses.
	_, err = m.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)
	clk.Advance(time.Second)
	retried, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempt)
	assert.Contains(t, retried.LastError, assert.AnError.Error())
}

func TestFailMovesExhaustedJobToDeadLane(t *testing.T) {
	m, clk, conn := newTestQueue(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, req("a1", 0, 0, 0))
	require.NoError(t, err)

	var job domain.Job
	for i := 0; i < 2; i++ {
		job, err = m.Dequeue(ctx, "w1")
		require.NoError(t, err)
		dead, err := m.Fail(ctx, job, assert.AnError)
		require.NoError(t, err)
		assert.False(t, dead)
		clk.Advance(time.Minute)
	}
	job, err = m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	dead, err := m.Fail(ctx, job, assert.AnError)
	require.NoError(t, err)
	assert.True(t, dead, "third failure exhausts max_attempts=3")

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.JobDead])

	var events int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM agent_events WHERE type='job.dead'`).Scan(&events))
	assert.Equal(t, 1, events)
}

func TestCompleteAndAttemptGeneration(t *testing.T) {
	m, _, _ := newTestQueue(t)
	ctx := context.Background()

	gen, err := m.AttemptGeneration(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, gen)

	_, err = m.Enqueue(ctx, req("a1", gen, 0, 0))
	require.NoError(t, err)

	// A live job does not bump the generation, so resubmission dedupes.
	gen, err = m.AttemptGeneration(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, gen)

	job, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, job))

	gen, err = m.AttemptGeneration(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, gen)
}

func TestSupersedeRetiresClaimedJob(t *testing.T) {
	m, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, req("a1", 0, 0, 0))
	require.NoError(t, err)
	job, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, m.Supersede(ctx, job))
	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Equal(t, 0, got.Attempt, "supersede must not consume an attempt")
}

func TestDequeueSkipsLostClaims(t *testing.T) {
	m, _, _ := newTestQueue(t)
	ctx := context.Background()

	const jobs = 4
	for i := 0; i < jobs; i++ {
		_, err := m.Enqueue(ctx, req(fmt.Sprintf("a%d", i), 0, 0, 0))
		require.NoError(t, err)
	}

	// One worker per job racing on the same ready lane. A lost claim must
	// fall through to the next ready job, never report an empty queue: while
	// any worker is still unclaimed, at least one ready job remains.
	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < jobs; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for attempt := 0; attempt < 100; attempt++ {
				job, err := m.Dequeue(ctx, workerID)
				if errors.Is(err, ErrEmpty) {
					t.Errorf("%s: empty queue reported while ready jobs remained", workerID)
					return
				}
				if err != nil {
					// Transient write contention; the job is still ready.
					continue
				}
				mu.Lock()
				claimed[job.ID] = workerID
				mu.Unlock()
				return
			}
			t.Errorf("%s: never claimed a job", workerID)
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, jobs)
}

func TestClosedQueueRejectsWork(t *testing.T) {
	m, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "double close is safe")

	_, err := m.Enqueue(ctx, req("a1", 0, 0, 0))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrClosed)
}
