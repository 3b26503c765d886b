// Package queue publishes tool execution audit events. Downstream consumers
// (billing, abuse review) read them off SQS; the gateway only writes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type ToolEvent struct {
	ID          string    `json:"id"`
	CallerID    string    `json:"caller_id"`
	Integration string    `json:"integration"`
	Function    string    `json:"function"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type Publisher interface {
	PublishToolEvent(ctx context.Context, event ToolEvent) error
}

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) PublishToolEvent(ctx context.Context, event ToolEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"CallerID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.CallerID),
			},
			"Integration": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Integration),
			},
		},
	}

	_, err = p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

type InMemoryPublisher struct {
	mu     sync.Mutex
	events []ToolEvent
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{events: make([]ToolEvent, 0)}
}

func (p *InMemoryPublisher) PublishToolEvent(ctx context.Context, event ToolEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *InMemoryPublisher) Events() []ToolEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]ToolEvent, len(p.events))
	copy(result, p.events)
	return result
}
