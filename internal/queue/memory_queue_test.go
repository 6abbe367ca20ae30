package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

type recordingArchiver struct {
	mu      sync.Mutex
	entries []pipeline.DeadLetterEntry
}

func (a *recordingArchiver) Archive(_ context.Context, entry pipeline.DeadLetterEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func testJob(eventID, sender string) pipeline.Job {
	return pipeline.Job{
		JobID: "job-" + eventID,
		Event: pipeline.InboundEvent{
			EventID:           eventID,
			Platform:          "instagram",
			PlatformAccountID: "acct-1",
			SenderExternalID:  sender,
			Text:              "hello",
			ReceivedAt:        time.Now().UTC(),
			CorrelationID:     "corr-" + eventID,
		},
		OwnerID:     "owner-1",
		MaxAttempts: 3,
	}
}

func TestMemoryQueueOrderedPerKey(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, testJob(fmt.Sprintf("evt-%d", i), "user-a")))
	}

	// Only the head job of the key is deliverable while it is leased.
	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evt-0", msgs[0].Job.Event.EventID)

	more, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, more)

	require.NoError(t, q.Ack(ctx, msgs[0]))

	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evt-1", msgs[0].Job.Event.EventID)
}

func TestMemoryQueueParallelAcrossKeys(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)

	require.NoError(t, q.Enqueue(ctx, testJob("evt-a", "user-a")))
	require.NoError(t, q.Enqueue(ctx, testJob("evt-b", "user-b")))

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMemoryQueueEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)

	require.NoError(t, q.Enqueue(ctx, testJob("evt-dup", "user-a")))
	require.NoError(t, q.Enqueue(ctx, testJob("evt-dup", "user-a")))

	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueueNackRetriesWithAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &now
	q := NewMemoryQueue(nil).WithClock(func() time.Time { return *clock })

	require.NoError(t, q.Enqueue(ctx, testJob("evt-retry", "user-a")))

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 0, msgs[0].Job.Attempt)

	require.NoError(t, q.Nack(ctx, msgs[0], fmt.Errorf("downstream timeout")))

	// Not visible until the backoff elapses.
	msgs, err = q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	now = now.Add(2 * time.Second)
	msgs, err = q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Job.Attempt)
}

func TestMemoryQueueExhaustionDeadLettersOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &now
	dead := &recordingArchiver{}
	q := NewMemoryQueue(dead).WithClock(func() time.Time { return *clock })

	job := testJob("evt-poison", "user-a")
	require.NoError(t, q.Enqueue(ctx, job))

	for i := 0; i < job.MaxAttempts; i++ {
		msgs, err := q.Receive(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d", i+1)
		require.NoError(t, q.Nack(ctx, msgs[0], fmt.Errorf("boom")))
		now = now.Add(time.Minute)
	}

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, q.Len())

	require.Len(t, dead.entries, 1)
	assert.Equal(t, "evt-poison", dead.entries[0].EventID)
	assert.Equal(t, job.MaxAttempts, dead.entries[0].Attempts)
	assert.Equal(t, "boom", dead.entries[0].LastError)
	assert.Equal(t, "corr-evt-poison", dead.entries[0].CorrelationID)
}

func TestMemoryQueueLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &now
	q := NewMemoryQueue(nil).WithClock(func() time.Time { return *clock }).WithLease(time.Minute)

	require.NoError(t, q.Enqueue(ctx, testJob("evt-crash", "user-a")))

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Worker never acks; the job comes back after the lease runs out.
	msgs, err = q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	now = now.Add(2 * time.Minute)
	msgs, err = q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evt-crash", msgs[0].Job.Event.EventID)
}

func TestMemoryQueueAckClearsDedupe(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)

	require.NoError(t, q.Enqueue(ctx, testJob("evt-again", "user-a")))
	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, q.Ack(ctx, msgs[0]))

	// Dead-letter requeue re-enqueues the same event id after removal.
	require.NoError(t, q.Enqueue(ctx, testJob("evt-again", "user-a")))
	assert.Equal(t, 1, q.Len())
}
