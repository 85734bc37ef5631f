package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher pushes messages to an SQS queue (works with LocalStack). It is
// publish-only and is meant to be used through Mirror.
type SQSPublisher struct {
	queueURL string
	client   SQSAPI
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{queueURL: queueURL, client: client}
}

func (s *SQSPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	body, err := json.Marshal(struct {
		Topic   string          `json:"topic"`
		UUID    string          `json:"uuid"`
		Payload json.RawMessage `json:"payload"`
	}{
		Topic:   topic,
		UUID:    msg.UUID,
		Payload: msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("broker: encode sqs body: %w", err)
	}
	attrs := make(map[string]types.MessageAttributeValue, len(msg.Metadata)+1)
	attrs["topic"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(topic)}
	for k, v := range msg.Metadata {
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("broker: sqs send: %w", err)
	}
	return nil
}
