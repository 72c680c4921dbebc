package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrNoQueue is returned when a Publisher has no queue URL configured.
var ErrNoQueue = errors.New("publisher: queue url not configured")

// Publisher sends JSON messages to one SQS queue.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// PublishJSON encodes v as the message body and sends it. attributes are sent as String
// message attributes. It returns the SQS message id.
func (p *Publisher) PublishJSON(ctx context.Context, v any, attributes map[string]string) (string, error) {
	if p.QueueURL == "" {
		return "", ErrNoQueue
	}
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    awsString(p.QueueURL),
		MessageBody: awsString(string(body)),
	}
	if len(attributes) > 0 {
		input.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			input.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
	}

	out, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}

func awsString(s string) *string { return &s }
