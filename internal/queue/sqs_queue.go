package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue implements the queue over an SQS FIFO queue. The conversation key
// becomes the message group id, which gives per-key ordering and single
// in-flight delivery per key; the content dedup id is derived from the event
// id. Attempts are tracked via ApproximateReceiveCount and a Nack maps to
// ChangeMessageVisibility with the backoff delay.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
	dead     Archiver
	backoff  BackoffConfig
	rng      *lockedRand
}

var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates a queue wrapper around the provided SQS client.
func NewSQSQueue(client *sqs.Client, queueURL string, dead Archiver) *SQSQueue {
	if client == nil {
		panic("queue: SQS client cannot be nil")
	}
	return newSQSQueue(client, queueURL, dead)
}

func newSQSQueue(client sqsAPI, queueURL string, dead Archiver) *SQSQueue {
	if queueURL == "" {
		panic("queue: SQS queueURL cannot be empty")
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		dead:     dead,
		backoff:  DefaultBackoff(),
		rng:      newLockedRand(),
	}
}

// Enqueue implements Queue.
func (q *SQSQueue) Enqueue(ctx context.Context, job pipeline.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(sqsToken(job.ThreadKey())),
		MessageDeduplicationId: aws.String(sqsToken(job.Event.Platform + "/" + job.Event.EventID)),
	})
	if err != nil {
		return fmt.Errorf("queue: send SQS message: %w", err)
	}
	return nil
}

// Receive implements Queue.
func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10
	}
	waitSecs := int32(wait / time.Second)
	if waitSecs > 20 {
		waitSecs = 20
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     waitSecs,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive SQS messages: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		var job pipeline.Job
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
			return nil, fmt.Errorf("queue: decode SQS job %s: %w", aws.ToString(m.MessageId), err)
		}
		job.Attempt = receiveAttempt(m.Attributes)
		msgs = append(msgs, Message{Job: job, Receipt: aws.ToString(m.ReceiptHandle)})
	}
	return msgs, nil
}

// Ack implements Queue.
func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	if msg.Receipt == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("queue: delete SQS message: %w", err)
	}
	return nil
}

// Nack implements Queue.
func (q *SQSQueue) Nack(ctx context.Context, msg Message, cause error) error {
	attempt := msg.Job.Attempt + 1
	if attempt >= msg.Job.MaxAttempts {
		causeText := ""
		if cause != nil {
			causeText = cause.Error()
		}
		if q.dead != nil {
			payload, err := json.Marshal(msg.Job)
			if err != nil {
				return fmt.Errorf("queue: encode dead letter payload: %w", err)
			}
			entry := pipeline.DeadLetterEntry{
				EventID:           msg.Job.Event.EventID,
				PlatformAccountID: msg.Job.Event.PlatformAccountID,
				Payload:           payload,
				LastError:         causeText,
				Attempts:          attempt,
				CorrelationID:     msg.Job.Event.CorrelationID,
				StoredAt:          time.Now().UTC(),
			}
			if err := q.dead.Archive(ctx, entry); err != nil {
				return fmt.Errorf("queue: archive dead letter: %w", err)
			}
		}
		return q.Ack(ctx, msg)
	}

	delay := NextVisibleAfter(time.Now(), attempt, q.backoff, q.rng).Sub(time.Now())
	visibilitySecs := int32(delay / time.Second)
	if visibilitySecs < 1 {
		visibilitySecs = 1
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: visibilitySecs,
	})
	if err != nil {
		return fmt.Errorf("queue: change SQS visibility: %w", err)
	}
	return nil
}

func receiveAttempt(attrs map[string]string) int {
	raw, ok := attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 1 {
		return 0
	}
	return count - 1
}

// sqsToken hashes arbitrary ids into the character set SQS accepts for group
// and deduplication ids.
func sqsToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
