package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const defaultSQSRegion = "us-east-1"

// SQSOptions configures the SQS client.
type SQSOptions struct {
	QueueURL string
	Region   string
	// WaitSeconds enables long polling on Receive.
	WaitSeconds int32
	// VisibilityTimeout hides received messages from other workers.
	VisibilityTimeout int32
}

// SQSClient sends and receives queue messages via AWS SQS.
type SQSClient struct {
	client *sqs.Client
	opts   SQSOptions
}

// NewSQSClient constructs an SQS-backed queue client.
func NewSQSClient(ctx context.Context, opts SQSOptions) (*SQSClient, error) {
	opts.QueueURL = strings.TrimSpace(opts.QueueURL)
	if opts.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = defaultSQSRegion
	}
	if opts.WaitSeconds <= 0 {
		opts.WaitSeconds = 20
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSClient{client: sqs.NewFromConfig(cfg), opts: opts}, nil
}

// Send delivers a message to the configured SQS queue.
func (s *SQSClient) Send(ctx context.Context, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode sqs message: %w", err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.opts.QueueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

// Receive long-polls for up to max messages.
func (s *SQSClient) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 || max > 10 {
		max = 10
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(s.opts.QueueURL),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             s.opts.WaitSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if s.opts.VisibilityTimeout > 0 {
		input.VisibilityTimeout = s.opts.VisibilityTimeout
	}
	out, err := s.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive message: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, Delivery{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  parseReceiveCount(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]),
		})
	}
	return deliveries, nil
}

// Delete acknowledges a received message.
func (s *SQSClient) Delete(ctx context.Context, receiptHandle string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.opts.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete message: %w", err)
	}
	return nil
}

func parseReceiveCount(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

var (
	_ Client   = (*SQSClient)(nil)
	_ Consumer = (*SQSClient)(nil)
)
