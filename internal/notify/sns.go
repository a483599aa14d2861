package notify

import (
	"context"
	"encoding/json"
	"fmt"

	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used for publication.
type SNSAPI interface {
	Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

// SNSPublisher publishes events as JSON messages to SNS topics.
type SNSPublisher struct {
	Client SNSAPI
}

func (p SNSPublisher) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := string(data)
	eventName := evt.Event
	dataType := "String"
	_, err = p.Client.Publish(ctx, &awssns.PublishInput{
		TopicArn: &topic,
		Message:  &msg,
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event": {DataType: &dataType, StringValue: &eventName},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
