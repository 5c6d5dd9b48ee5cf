// Package sns fans out variant lifecycle events to an SNS topic.
package sns

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"

	"github.com/lalithlochan/notifylab/internal/db"
)

// EventType names a lifecycle event
type EventType string

const (
	EventVariantCreated EventType = "variant.created"
)

// API is the subset of the SNS client used here
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing
type Publisher struct {
	client   API
	topicARN string
}

// Message is the JSON body published to the topic
type Message struct {
	Type       EventType `json:"type"`
	IntentID   string    `json:"intent_id"`
	VariantID  string    `json:"variant_id"`
	Text       string    `json:"text"`
	Locale     string    `json:"locale"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(client API, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

// NewClient builds an SNS client. endpoint is optional (LocalStack).
func NewClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Publish sends a message with event_type and intent_id attributes for
// subscription filtering
func (p *Publisher) Publish(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Type)),
			},
			"intent_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.IntentID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// VariantCreated publishes a newly admitted variant
func (p *Publisher) VariantCreated(ctx context.Context, exp *db.Experiment, v *db.Variant) error {
	_, err := p.Publish(ctx, Message{
		Type:       EventVariantCreated,
		IntentID:   exp.IntentID,
		VariantID:  v.VariantID,
		Text:       v.Text,
		Locale:     v.Locale,
		OccurredAt: v.CreatedAt,
	})
	return err
}
