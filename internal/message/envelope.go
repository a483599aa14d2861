package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// maxEnvelopeDepth bounds SNS-in-SNS nesting.
const maxEnvelopeDepth = 4

// Loader fetches a message body stored outside the queue.
type Loader interface {
	Load(ctx context.Context, bucket, key string) ([]byte, error)
}

// Unwrapper turns a queue body into a workflow message.
type Unwrapper struct {
	// Loader resolves {replace:{Bucket,Key}} bodies. Nil rejects them.
	Loader Loader
}

type envelopeProbe struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
	Type       string          `json:"Type"`
	Message    *string         `json:"Message"`
}

type executionStatusDetail struct {
	ExecutionArn    string  `json:"executionArn"`
	StateMachineArn string  `json:"stateMachineArn"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	StartDate       *int64  `json:"startDate"`
	StopDate        *int64  `json:"stopDate"`
	Input           *string `json:"input"`
	Output          *string `json:"output"`
}

// StatusFromStepFunctions maps a Step Functions execution status to a
// workflow status.
func StatusFromStepFunctions(status string) string {
	switch strings.ToUpper(status) {
	case "RUNNING":
		return "running"
	case "SUCCEEDED":
		return "completed"
	default:
		return "failed"
	}
}

// Unwrap accepts an EventBridge Step Functions status event, an SNS
// notification or a bare workflow message.
func (u Unwrapper) Unwrap(ctx context.Context, body string) (*Message, error) {
	return u.unwrap(ctx, []byte(body), 0)
}

func (u Unwrapper) unwrap(ctx context.Context, body []byte, depth int) (*Message, error) {
	if depth > maxEnvelopeDepth {
		return nil, fmt.Errorf("message envelope nested deeper than %d", maxEnvelopeDepth)
	}
	var probe envelopeProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode queue body: %w", err)
	}
	switch {
	case probe.Source == "aws.states" && len(probe.Detail) > 0:
		var evt events.CloudWatchEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return nil, fmt.Errorf("decode eventbridge event: %w", err)
		}
		return u.fromExecutionEvent(ctx, evt)
	case probe.Type == "Notification" && probe.Message != nil:
		var entity events.SNSEntity
		if err := json.Unmarshal(body, &entity); err != nil {
			return nil, fmt.Errorf("decode sns notification: %w", err)
		}
		return u.unwrap(ctx, []byte(entity.Message), depth+1)
	default:
		msg, err := Decode(body)
		if err != nil {
			return nil, err
		}
		return u.resolveRemote(ctx, msg)
	}
}

func (u Unwrapper) fromExecutionEvent(ctx context.Context, evt events.CloudWatchEvent) (*Message, error) {
	var detail executionStatusDetail
	if err := json.Unmarshal(evt.Detail, &detail); err != nil {
		return nil, fmt.Errorf("decode execution status detail: %w", err)
	}
	doc := detail.Output
	if doc == nil || strings.TrimSpace(*doc) == "" {
		doc = detail.Input
	}
	if doc == nil || strings.TrimSpace(*doc) == "" {
		return nil, fmt.Errorf("execution %s event carries neither output nor input", detail.ExecutionArn)
	}
	msg, err := Decode([]byte(*doc))
	if err != nil {
		return nil, err
	}
	msg, err = u.resolveRemote(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.Meta.Status = StatusFromStepFunctions(detail.Status)
	if detail.StopDate != nil {
		stop := *detail.StopDate
		msg.CumulusMeta.WorkflowStopTime = &stop
	}
	return msg, nil
}

// resolveRemote replaces a stub message with the full one stored remotely.
func (u Unwrapper) resolveRemote(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Replace == nil {
		return msg, nil
	}
	ref := *msg.Replace
	if u.Loader == nil {
		return nil, fmt.Errorf("message stored at s3://%s/%s but no loader is configured", ref.Bucket, ref.Key)
	}
	if ref.Bucket == "" || ref.Key == "" {
		return nil, fmt.Errorf("replace requires Bucket and Key")
	}
	data, err := u.Loader.Load(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("load message s3://%s/%s: %w", ref.Bucket, ref.Key, err)
	}
	full, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if full.Replace != nil {
		return nil, fmt.Errorf("remote message s3://%s/%s is itself a replace stub", ref.Bucket, ref.Key)
	}
	return full, nil
}
