package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookline-ai/intake-platform/internal/idempotency"
	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/internal/queue"
	"github.com/bookline-ai/intake-platform/internal/tenancy"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

const testSecret = "webhook-secret"

type memIdem struct {
	done map[string]bool
}

func (s *memIdem) key(platform, eventID string) string { return platform + "#" + eventID }

func (s *memIdem) AlreadyDone(_ context.Context, platform, eventID string) (bool, error) {
	return s.done[s.key(platform, eventID)], nil
}

func (s *memIdem) MarkDone(_ context.Context, platform, eventID string, _ idempotency.Outcome) (bool, error) {
	if s.done[s.key(platform, eventID)] {
		return false, nil
	}
	s.done[s.key(platform, eventID)] = true
	return true, nil
}

func newTestReceiver(t *testing.T) (*Receiver, *queue.MemoryQueue, *memIdem) {
	t.Helper()
	q := queue.NewMemoryQueue(nil)
	idem := &memIdem{done: make(map[string]bool)}
	resolver := tenancy.NewStaticResolver([]tenancy.Account{
		{OwnerID: "owner-1", Platform: "instagram", PlatformAccountID: "acct-1"},
	})
	r := NewReceiver("instagram", testSecret, "verify-me", resolver, idem, q, nil,
		logging.New("error"), WithMaxAttempts(3))
	return r, q, idem
}

func postWebhook(t *testing.T, rc *Receiver, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	rc.Receive(rec, req)
	return rec
}

func messagePayload(accountID, mid, text string) []byte {
	return []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "` + accountID + `",
			"messaging": [{
				"sender": {"id": "user-a"},
				"recipient": {"id": "` + accountID + `"},
				"timestamp": 1700000000000,
				"message": {"mid": "` + mid + `", "text": "` + text + `"}
			}]
		}]
	}`)
}

func drain(t *testing.T, q *queue.MemoryQueue) []queue.Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	return msgs
}

func TestReceiverEnqueuesValidEvent(t *testing.T) {
	rc, q, _ := newTestReceiver(t)
	payload := messagePayload("acct-1", "m-1", "I want to book an appointment")

	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":1}`, rec.Body.String())

	msgs := drain(t, q)
	require.Len(t, msgs, 1)
	job := msgs[0].Job
	assert.Equal(t, "m-1", job.Event.EventID)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.Equal(t, "user-a", job.Event.SenderExternalID)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempt)
	assert.NotEmpty(t, job.JobID)
	assert.NotEmpty(t, job.Event.CorrelationID)
}

func TestReceiverRejectsBadSignature(t *testing.T) {
	rc, q, _ := newTestReceiver(t)
	payload := messagePayload("acct-1", "m-1", "hello")

	rec := postWebhook(t, rc, payload, SignPayload("wrong-secret", payload))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, drain(t, q), "unauthenticated payloads must not be enqueued")
}

func TestReceiverRejectsMissingSignature(t *testing.T) {
	rc, q, _ := newTestReceiver(t)
	payload := messagePayload("acct-1", "m-1", "hello")

	rec := postWebhook(t, rc, payload, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, drain(t, q))
}

func TestReceiverAcksMalformedPayload(t *testing.T) {
	rc, q, _ := newTestReceiver(t)
	payload := []byte(`{"object":"instagram","entry":[]}`)

	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code, "redelivery of malformed bytes cannot help")
	assert.JSONEq(t, `{"accepted":0}`, rec.Body.String())
	assert.Empty(t, drain(t, q))
}

func TestReceiverDropsUnknownAccount(t *testing.T) {
	rc, q, _ := newTestReceiver(t)
	payload := messagePayload("acct-unregistered", "m-1", "hello")

	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":0}`, rec.Body.String())
	assert.Empty(t, drain(t, q))
}

func TestReceiverSuppressesFinishedDuplicates(t *testing.T) {
	rc, q, idem := newTestReceiver(t)
	_, err := idem.MarkDone(context.Background(), "instagram", "m-1", idempotency.OutcomeReplied)
	require.NoError(t, err)
	payload := messagePayload("acct-1", "m-1", "hello again")

	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":0}`, rec.Body.String())
	assert.Empty(t, drain(t, q))
}

func TestReceiverFansOutBatch(t *testing.T) {
	rc, q, _ := newTestReceiver(t)
	payload := []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "acct-1",
			"messaging": [
				{"sender": {"id": "user-a"}, "recipient": {"id": "acct-1"}, "timestamp": 1, "message": {"mid": "m-1", "text": "first"}},
				{"sender": {"id": "user-a"}, "recipient": {"id": "acct-1"}, "timestamp": 2, "message": {"mid": "m-2", "text": "second"}},
				{"sender": {"id": "user-a"}, "recipient": {"id": "acct-1"}, "timestamp": 3}
			]
		}]
	}`)

	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":2}`, rec.Body.String())

	// Both events share the sender, so the memory queue leases them one at
	// a time to preserve per-conversation order.
	first := drain(t, q)
	require.Len(t, first, 1)
	assert.Equal(t, "m-1", first[0].Job.Event.EventID)
	require.NoError(t, q.Ack(context.Background(), first[0]))

	second := drain(t, q)
	require.Len(t, second, 1)
	assert.Equal(t, "m-2", second[0].Job.Event.EventID)
}

type failingQueue struct {
	queue.Queue
	err error
}

func (q *failingQueue) Enqueue(context.Context, pipeline.Job) error { return q.err }

func TestReceiverFailedEnqueueSignalsRedelivery(t *testing.T) {
	resolver := tenancy.NewStaticResolver([]tenancy.Account{
		{OwnerID: "owner-1", Platform: "instagram", PlatformAccountID: "acct-1"},
	})
	idem := &memIdem{done: make(map[string]bool)}
	q := &failingQueue{err: errors.New("connection refused")}
	rc := NewReceiver("instagram", testSecret, "verify-me", resolver, idem, q, nil, logging.New("error"))

	payload := messagePayload("acct-1", "m-1", "hello")
	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	// A success answer here would stop redelivery and lose the event.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReceiverResolverOutageSignalsRedelivery(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	idem := &memIdem{done: make(map[string]bool)}
	rc := NewReceiver("instagram", testSecret, "verify-me",
		failingResolver{err: errors.New("db unavailable")}, idem, q, nil, logging.New("error"))

	payload := messagePayload("acct-1", "m-1", "hello")
	rec := postWebhook(t, rc, payload, SignPayload(testSecret, payload))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, drain(t, q))
}

type failingResolver struct{ err error }

func (r failingResolver) Resolve(context.Context, string, string) (tenancy.Account, error) {
	return tenancy.Account{}, r.err
}

func TestReceiverVerifyHandshake(t *testing.T) {
	rc, _, _ := newTestReceiver(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=c-123", nil)
	rec := httptest.NewRecorder()
	rc.Verify(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c-123", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=c-123", nil)
	rec = httptest.NewRecorder()
	rc.Verify(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
