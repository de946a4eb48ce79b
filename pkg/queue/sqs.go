package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/noah-isme/sits-bridge-api/pkg/config"
)

// Message is a single received queue message.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Receiver is the narrow surface the consumer needs from a durable queue.
type Receiver interface {
	Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	Name() string
}

// SQS implements Receiver against one AWS SQS queue URL.
type SQS struct {
	client *sqs.Client
	url    string
	name   string
}

// NewSQS builds an SQS-backed receiver. The endpoint override supports
// localstack in development.
func NewSQS(ctx context.Context, cfg config.QueueConfig, url, name string) (*SQS, error) {
	if url == "" {
		return nil, fmt.Errorf("queue %s: url is required", name)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SQS{client: client, url: url, name: name}, nil
}

// Name identifies the queue in processing-log records.
func (s *SQS) Name() string {
	return s.name
}

// Receive long-polls up to max messages from the queue.
func (s *SQS) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]Message, error) {
	if max <= 0 || max > 10 {
		max = 10
	}

	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.url),
		MaxNumberOfMessages:   int32(max),
		VisibilityTimeout:     int32(visibility / time.Second),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{string(types.QueueAttributeNameAll)},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", s.name, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}

	return messages, nil
}

// Delete removes a handled message from the queue.
func (s *SQS) Delete(ctx context.Context, receiptHandle string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", s.name, err)
	}
	return nil
}
