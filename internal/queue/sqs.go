package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS caps a single receive at ten messages and a long poll at twenty
// seconds.
const (
	sqsMaxBatch = 10
	sqsMaxWait  = 20 * time.Second
)

type SQSConfig struct {
	Region        string
	QueueURL      string
	DeadLetterURL string
	Visibility    time.Duration
	FetchWait     time.Duration
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSSource struct {
	client sqsAPI
	cfg    SQSConfig
}

func NewSQSSource(ctx context.Context, cfg SQSConfig) (*SQSSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSQSSource(sqs.NewFromConfig(awsCfg), cfg), nil
}

func newSQSSource(client sqsAPI, cfg SQSConfig) *SQSSource {
	return &SQSSource{client: client, cfg: cfg}
}

func (s *SQSSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 || max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	wait := s.cfg.FetchWait
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   int32(s.cfg.Visibility / time.Second),
		WaitTimeSeconds:     int32(wait / time.Second),
		AttributeNames:      []types.QueueAttributeName{"ApproximateReceiveCount"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, rec := range out.Messages {
		m := Message{
			ID:           aws.ToString(rec.MessageId),
			Body:         []byte(aws.ToString(rec.Body)),
			ReceiveCount: 1,
			handle:       aws.ToString(rec.ReceiptHandle),
		}
		if n, err := strconv.Atoi(rec.Attributes["ApproximateReceiveCount"]); err == nil {
			m.ReceiveCount = n
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *SQSSource) Ack(ctx context.Context, m Message) error {
	receipt, ok := m.handle.(string)
	if !ok {
		return fmt.Errorf("ack %s: foreign message", m.ID)
	}
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.cfg.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}

func (s *SQSSource) Reject(ctx context.Context, m Message, reason string) error {
	if s.cfg.DeadLetterURL != "" {
		if _, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.cfg.DeadLetterURL),
			MessageBody: aws.String(string(m.Body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"reject_reason": {DataType: aws.String("String"), StringValue: aws.String(reason)},
				"message_id":    {DataType: aws.String("String"), StringValue: aws.String(m.ID)},
			},
		}); err != nil {
			return fmt.Errorf("dead-letter %s: %w", m.ID, err)
		}
	}
	return s.Ack(ctx, m)
}
