package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxDelaySeconds is the largest DelaySeconds SQS accepts.
const maxDelaySeconds = 900

// Publisher wraps an SQS client and a queue URL.
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

// SendJSON marshals body and sends it to the queue. attributes are sent as
// String message attributes; delaySeconds is clamped to [0, 900].
func (p *Publisher) SendJSON(ctx context.Context, body any, attributes map[string]string, delaySeconds int32) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	messageBody := string(raw)

	input := &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  &messageBody,
		DelaySeconds: clampDelay(delaySeconds),
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			if v == "" {
				continue
			}
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func clampDelay(d int32) int32 {
	switch {
	case d < 0:
		return 0
	case d > maxDelaySeconds:
		return maxDelaySeconds
	default:
		return d
	}
}

// awsString helper
func awsString(s string) *string { return &s }
