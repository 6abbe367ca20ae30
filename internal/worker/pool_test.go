package worker

import (
	"context"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/idempotency"
	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/internal/queue"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

type fakeQueue struct {
	mu      sync.Mutex
	pending []queue.Message
	acked   []string
	nacked  []string
}

func (q *fakeQueue) Enqueue(_ context.Context, job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, queue.Message{Job: job, Receipt: job.JobID})
	return nil
}

func (q *fakeQueue) Receive(_ context.Context, max int, _ time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	n := max
	if n > len(q.pending) {
		n = len(q.pending)
	}
	msgs := q.pending[:n]
	q.pending = q.pending[n:]
	return msgs, nil
}

func (q *fakeQueue) Ack(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.Receipt)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, msg queue.Message, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, msg.Receipt)
	return nil
}

type fakeIdem struct {
	mu      sync.Mutex
	done    map[string]idempotency.Outcome
	markErr error
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{done: make(map[string]idempotency.Outcome)}
}

func (s *fakeIdem) key(platform, eventID string) string { return platform + "#" + eventID }

func (s *fakeIdem) AlreadyDone(_ context.Context, platform, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[s.key(platform, eventID)]
	return ok, nil
}

func (s *fakeIdem) MarkDone(_ context.Context, platform, eventID string, outcome idempotency.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	if _, ok := s.done[s.key(platform, eventID)]; ok {
		return false, nil
	}
	s.done[s.key(platform, eventID)] = outcome
	return true, nil
}

type fakeHandler struct {
	mu       sync.Mutex
	handled  []string
	outcome  string
	redacted bool
	err      error
	started  chan struct{}
	block    chan struct{}
}

func (h *fakeHandler) HandleEvent(_ context.Context, job pipeline.Job) (pipeline.Outcome, error) {
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, job.Event.EventID)
	if h.err != nil {
		return pipeline.Outcome{}, h.err
	}
	return pipeline.Outcome{Name: h.outcome, Redacted: h.redacted}, nil
}

func testMessage(eventID string) queue.Message {
	return queue.Message{
		Job: pipeline.Job{
			JobID: "job-" + eventID,
			Event: pipeline.InboundEvent{
				EventID:          eventID,
				Platform:         "instagram",
				SenderExternalID: "user-a",
				Text:             "hello",
				CorrelationID:    "corr-" + eventID,
			},
			OwnerID:     "owner-1",
			MaxAttempts: 5,
		},
		Receipt: "job-" + eventID,
	}
}

func newTestPool(q *fakeQueue, idem *fakeIdem, h *fakeHandler) *Pool {
	return NewPool(q, idem, h, nil, nil, logging.New("error"))
}

func TestPoolSuccessMarksDoneThenAcks(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	h := &fakeHandler{outcome: "booked"}
	p := newTestPool(q, idem, h)

	p.handleMessage(context.Background(), testMessage("evt-1"))

	assert.Equal(t, []string{"evt-1"}, h.handled)
	done, err := idem.AlreadyDone(context.Background(), "instagram", "evt-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"job-evt-1"}, q.acked)
	assert.Empty(t, q.nacked)
}

func TestPoolDuplicateIsSuppressed(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	_, err := idem.MarkDone(context.Background(), "instagram", "evt-1", idempotency.OutcomeReplied)
	require.NoError(t, err)
	h := &fakeHandler{outcome: "replied"}
	p := newTestPool(q, idem, h)

	p.handleMessage(context.Background(), testMessage("evt-1"))

	assert.Empty(t, h.handled, "handler must not run for a finished event")
	assert.Equal(t, []string{"job-evt-1"}, q.acked)
}

func TestPoolTransientFailureNacks(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	h := &fakeHandler{err: pipeline.E(pipeline.CategoryTransient, "conversation.handle", assert.AnError)}
	p := newTestPool(q, idem, h)

	p.handleMessage(context.Background(), testMessage("evt-1"))

	assert.Equal(t, []string{"job-evt-1"}, q.nacked)
	assert.Empty(t, q.acked)
	done, err := idem.AlreadyDone(context.Background(), "instagram", "evt-1")
	require.NoError(t, err)
	assert.False(t, done, "failed jobs leave no done marker")
}

func TestPoolValidationFailureAcks(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	h := &fakeHandler{err: pipeline.E(pipeline.CategoryValidation, "conversation.handle", assert.AnError)}
	p := newTestPool(q, idem, h)

	p.handleMessage(context.Background(), testMessage("evt-1"))

	assert.Equal(t, []string{"job-evt-1"}, q.acked, "malformed jobs are dropped, not retried")
	assert.Empty(t, q.nacked)
}

func TestPoolMarkDoneFailureNacks(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	idem.markErr = assert.AnError
	h := &fakeHandler{outcome: "replied"}
	p := newTestPool(q, idem, h)

	p.handleMessage(context.Background(), testMessage("evt-1"))

	assert.Equal(t, []string{"job-evt-1"}, q.nacked,
		"an unrecorded outcome must be retried, never acked")
	assert.Empty(t, q.acked)
}

func TestPoolStartDrainsQueueAndStops(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	h := &fakeHandler{outcome: "replied"}
	p := NewPool(q, idem, h, nil, nil, logging.New("error"),
		WithWorkerCount(2), WithReceiveBatch(2), WithReceiveWait(10*time.Millisecond))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), testMessage(time.Now().Format("evt-150405.000000000")+string(rune('a'+i))).Job))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.acked) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	doneCh := make(chan struct{})
	go func() {
		p.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestPoolShutdownFinishesInFlightJob(t *testing.T) {
	q := &fakeQueue{}
	idem := newFakeIdem()
	h := &fakeHandler{outcome: "replied", started: make(chan struct{}, 1), block: make(chan struct{})}
	p := NewPool(q, idem, h, nil, nil, logging.New("error"),
		WithWorkerCount(1), WithReceiveWait(10*time.Millisecond))

	require.NoError(t, q.Enqueue(context.Background(), testMessage("evt-drain").Job))

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	<-h.started

	// Shutdown arrives while the job is mid-handle. The job must still run
	// to completion: done marker written, ack delivered, no attempt burned.
	cancel()
	close(h.block)

	doneCh := make(chan struct{})
	go func() {
		p.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, []string{"job-evt-drain"}, q.acked)
	assert.Empty(t, q.nacked, "shutdown must not nack an in-flight job")
	done, err := idem.AlreadyDone(context.Background(), "instagram", "evt-drain")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestPoolAuditCarriesRedactionFlag(t *testing.T) {
	db, dbmock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dbmock.ExpectExec("INSERT INTO audit_records").
		WithArgs(
			sqlmock.AnyArg(), "corr-evt-1", sqlmock.AnyArg(), "job_processed",
			"job", "job-evt-1", "success", sqlmock.AnyArg(), jsonContaining(`"redacted":true`), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := &fakeQueue{}
	idem := newFakeIdem()
	h := &fakeHandler{outcome: "replied", redacted: true}
	p := NewPool(q, idem, h, audit.NewService(db, logging.New("error")), nil, logging.New("error"))

	p.handleMessage(context.Background(), testMessage("evt-1"))

	assert.Equal(t, []string{"job-evt-1"}, q.acked)
	require.NoError(t, dbmock.ExpectationsWereMet())
}

// jsonContaining matches a []byte or string argument holding the substring.
type jsonContaining string

func (j jsonContaining) Match(v driver.Value) bool {
	switch b := v.(type) {
	case []byte:
		return strings.Contains(string(b), string(j))
	case string:
		return strings.Contains(b, string(j))
	default:
		return false
	}
}
