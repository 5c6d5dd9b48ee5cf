// Package sqs carries event batches submitted through the async ingestion
// endpoint from the gateway to the event worker.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/experiment"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, e.g. LocalStack
}

// API is the subset of the SQS client used here
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// EventBatch is the payload sent to SQS.
type EventBatch struct {
	BatchID    string                  `json:"batch_id"`
	Source     string                  `json:"source,omitempty"`
	Events     []experiment.EventInput `json:"events"`
	EnqueuedAt int64                   `json:"enqueued_at"`
}

// NewClient builds an SQS client from the default AWS credential chain
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends event batches to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue sends one batch of events for asynchronous recording.
// Returns the batch ID for tracking.
func (p *Producer) Enqueue(ctx context.Context, source string, events []experiment.EventInput) (string, error) {
	batch := EventBatch{
		BatchID:    uuid.NewString(),
		Source:     source,
		Events:     events,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("failed to marshal batch: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_count": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(len(events))),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("batch_id", batch.BatchID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return batch.BatchID, nil
}

// Received is one message taken from the queue. Batch is nil when the body
// could not be decoded; such messages should be deleted.
type Received struct {
	Batch         *EventBatch
	ReceiptHandle string
	ReceiveCount  int
}

// Consumer reads event batches from SQS.
type Consumer struct {
	client            API
	queueURL          string
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		visibilityTimeout: 60,
		logger:            logger,
	}
}

// Receive retrieves up to limit messages with long polling.
func (c *Consumer) Receive(ctx context.Context, limit int32) ([]Received, error) {
	if limit < 1 || limit > 10 {
		limit = 10
	}

	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: limit,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   c.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		r := Received{ReceiptHandle: aws.ToString(m.ReceiptHandle)}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			r.ReceiveCount = n
		}

		var batch EventBatch
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &batch); err != nil {
			c.logger.Error("failed to unmarshal message",
				zap.Error(err),
				zap.String("message_id", aws.ToString(m.MessageId)),
			)
		} else {
			r.Batch = &batch
		}
		out = append(out, r)
	}

	return out, nil
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility sets when a message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
