// Package queue holds usage records whose recording failed so they can be
// replayed later. SQSQueue survives restarts and is shared by instances;
// InMemoryQueue only protects against transient store failures.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type PendingUsage struct {
	Record     domain.UsageRecord `json:"record"`
	Attempts   int                `json:"attempts"`
	LastError  string             `json:"last_error,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// Message is a received PendingUsage. ReceiptHandle acknowledges it.
type Message struct {
	PendingUsage
	ReceiptHandle string
}

type Queue interface {
	Enqueue(ctx context.Context, p PendingUsage) error
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSAPI is the subset of the SQS client in use.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   SQSAPI
	queueURL string
	waitTime int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL, 20), nil
}

// NewSQSQueueWithClient uses waitSeconds for long polling in Receive.
func NewSQSQueueWithClient(client SQSAPI, queueURL string, waitSeconds int32) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		waitTime: waitSeconds,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, p PendingUsage) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending usage: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"CallerID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(p.Record.CallerID),
			},
			"UsageID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(p.Record.ID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// Receive drops messages that cannot be decoded; they would never replay.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(min(maxMessages, 10)),
		WaitTimeSeconds:     q.waitTime,
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var p PendingUsage
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &p); err != nil {
			slog.Warn("dropping undecodable usage message", "message_id", aws.ToString(msg.MessageId), "error", err)
			if err := q.Delete(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
				slog.Warn("delete undecodable message failed", "error", err)
			}
			continue
		}
		messages = append(messages, Message{PendingUsage: p, ReceiptHandle: aws.ToString(msg.ReceiptHandle)})
	}

	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

type InMemoryQueue struct {
	mu      sync.Mutex
	pending []PendingUsage
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, p PendingUsage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, p)
	return nil
}

// Receive hands messages out once; there is no redelivery.
func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(maxMessages, len(q.pending))
	messages := make([]Message, count)
	for i, p := range q.pending[:count] {
		messages[i] = Message{PendingUsage: p, ReceiptHandle: p.Record.ID}
	}
	q.pending = q.pending[count:]

	return messages, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
