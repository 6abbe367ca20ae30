package queue

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

type memoryJob struct {
	job          pipeline.Job
	attempt      int
	visibleAfter time.Time
	leasedUntil  time.Time
	lastError    string
}

// MemoryQueue implements the full queue contract in memory, including
// per-key ordering, leases and dead-lettering. Used in development and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    []*memoryJob
	seen    map[string]bool
	dead    Archiver
	lease   time.Duration
	backoff BackoffConfig
	rng     *rand.Rand
	now     func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an in-memory queue. dead may be nil, in which case
// exhausted jobs are simply dropped.
func NewMemoryQueue(dead Archiver) *MemoryQueue {
	return &MemoryQueue{
		seen:    make(map[string]bool),
		dead:    dead,
		lease:   2 * time.Minute,
		backoff: BackoffConfig{Base: 10 * time.Millisecond, Max: time.Second},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// WithLease overrides the lease duration.
func (q *MemoryQueue) WithLease(d time.Duration) *MemoryQueue {
	if d > 0 {
		q.lease = d
	}
	return q
}

// WithClock overrides the clock, for tests.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	if now != nil {
		q.now = now
	}
	return q
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[job.Event.EventID] {
		return nil
	}
	q.seen[job.Event.EventID] = true
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	q.jobs = append(q.jobs, &memoryJob{job: job, visibleAfter: q.now()})
	return nil
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)

	for {
		msgs := q.claim(max)
		if len(msgs) > 0 || wait <= 0 || q.now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) claim(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var msgs []Message
	claimedKeys := make(map[string]bool)
	blockedKeys := make(map[string]bool)

	// Jobs are stored in enqueue order, so the first job encountered for a
	// key is the oldest; any later sibling is blocked behind it.
	for _, mj := range q.jobs {
		if mj.leasedUntil.After(now) {
			blockedKeys[mj.job.ThreadKey()] = true
		}
	}
	for _, mj := range q.jobs {
		if len(msgs) >= max {
			break
		}
		key := mj.job.ThreadKey()
		if blockedKeys[key] || claimedKeys[key] {
			blockedKeys[key] = true
			continue
		}
		if mj.visibleAfter.After(now) || mj.leasedUntil.After(now) {
			blockedKeys[key] = true
			continue
		}
		mj.leasedUntil = now.Add(q.lease)
		claimedKeys[key] = true
		job := mj.job
		job.Attempt = mj.attempt
		msgs = append(msgs, Message{Job: job, Receipt: job.JobID})
	}
	return msgs
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(msg.Receipt)
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(ctx context.Context, msg Message, cause error) error {
	q.mu.Lock()

	var target *memoryJob
	for _, mj := range q.jobs {
		if mj.job.JobID == msg.Receipt {
			target = mj
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return nil
	}

	target.attempt++
	target.leasedUntil = time.Time{}
	if cause != nil {
		target.lastError = cause.Error()
	}

	if target.attempt >= target.job.MaxAttempts {
		q.remove(msg.Receipt)
		dead := q.dead
		entry := q.deadEntry(target)
		q.mu.Unlock()
		if dead != nil {
			return dead.Archive(ctx, entry)
		}
		return nil
	}

	target.visibleAfter = NextVisibleAfter(q.now(), target.attempt, q.backoff, q.rng)
	q.mu.Unlock()
	return nil
}

// Len reports the number of queued jobs, leased or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *MemoryQueue) remove(jobID string) {
	for i, mj := range q.jobs {
		if mj.job.JobID == jobID {
			// Queue-level dedupe only guards in-flight duplicates; a
			// removed event may be re-enqueued by dead-letter recovery.
			delete(q.seen, mj.job.Event.EventID)
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

func (q *MemoryQueue) deadEntry(mj *memoryJob) pipeline.DeadLetterEntry {
	payload, _ := json.Marshal(mj.job)
	return pipeline.DeadLetterEntry{
		EventID:           mj.job.Event.EventID,
		PlatformAccountID: mj.job.Event.PlatformAccountID,
		Payload:           payload,
		LastError:         mj.lastError,
		Attempts:          mj.attempt,
		CorrelationID:     mj.job.Event.CorrelationID,
		StoredAt:          q.now().UTC(),
	}
}
