package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestledger/internal/queue"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, f.err
}

func TestEntryKeepsOriginalFields(t *testing.T) {
	entry := NewEntry(events.SQSMessage{MessageId: "m-1", Body: `{"a":1}`}, errors.New("boom"))
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "m-1", doc["messageId"])
	assert.Equal(t, `{"a":1}`, doc["body"])
	assert.Equal(t, "boom", doc["error"])
}

func TestBuildSQS(t *testing.T) {
	client := &fakeSQS{}
	sink, err := Build("sqs://sqs.us-east-1.amazonaws.com/123456789012/dlq", client)
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), NewEntry(events.SQSMessage{MessageId: "m"}, errors.New("x"))))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123456789012/dlq", *client.inputs[0].QueueUrl)
	assert.Contains(t, *client.inputs[0].MessageBody, `"error":"x"`)

	sink, err = Build("https://sqs.eu-west-1.amazonaws.com/1/q", client)
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/1/q", sink.(SQSSink).QueueURL)

	_, err = Build("sqs://sqs.us-east-1.amazonaws.com/1/q", nil)
	assert.Error(t, err)
}

func TestSQSSendFailure(t *testing.T) {
	sink := SQSSink{Client: &fakeSQS{err: errors.New("throttled")}, QueueURL: "https://sqs.x/q"}
	err := sink.Send(context.Background(), Entry{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestQueueSink(t *testing.T) {
	sink, err := Build("memory://", nil)
	require.NoError(t, err)
	qs := sink.(QueueSink)
	require.NoError(t, qs.Send(context.Background(), NewEntry(events.SQSMessage{MessageId: "m-9"}, errors.New("bad"))))
	item, ok := qs.Queue.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "m-9", item.ID)
	assert.Contains(t, item.Body, `"error":"bad"`)

	full := QueueSink{Queue: queue.NewMemory(1)}
	require.NoError(t, full.Send(context.Background(), Entry{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, full.Send(ctx, Entry{}))
}

func TestBuildEmpty(t *testing.T) {
	sink, err := Build("  ", nil)
	require.NoError(t, err)
	assert.Nil(t, sink)
}
