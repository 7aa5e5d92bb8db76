// Package notify publishes a summary when a workflow submission finishes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Summary describes one finished SubmitWorkflow call.
type Summary struct {
	GroupID    string        `json:"groupId"`
	Template   string        `json:"template"`
	Endpoint   string        `json:"endpoint"`
	NumSamples int           `json:"numSamples"`
	Batches    int           `json:"batches"`
	Images     int           `json:"images"`
	Status     string        `json:"status"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
}

// MarshalJSON reports Duration in milliseconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	type alias Summary
	return json.Marshal(struct {
		alias
		Duration int64 `json:"durationMs"`
	}{alias: alias(s), Duration: s.Duration.Milliseconds()})
}

type Notifier interface {
	Notify(ctx context.Context, summary Summary) error
}

// Publisher is the slice of the SNS API the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes summaries to a topic, with the status as a message
// attribute for subscription filter policies.
type SNSNotifier struct {
	publisher Publisher
	topicARN  string
}

func NewSNSNotifier(publisher Publisher, topicARN string) *SNSNotifier {
	return &SNSNotifier{publisher: publisher, topicARN: topicARN}
}

func (n *SNSNotifier) Notify(ctx context.Context, summary Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	_, err = n.publisher.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(fmt.Sprintf("comfy workflow %s: %s", summary.Template, summary.Status)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(summary.Status),
			},
			"endpoint": {
				DataType:    aws.String("String"),
				StringValue: aws.String(summary.Endpoint),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.topicARN, err)
	}
	return nil
}
