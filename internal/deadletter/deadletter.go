// Package deadletter records workflow messages the ledger could not write.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"ingestledger/internal/queue"
)

// Entry is the original queue message with the failure appended.
type Entry struct {
	events.SQSMessage
	Error string `json:"error"`
}

// NewEntry pairs msg with the error that stopped it from being written.
func NewEntry(msg events.SQSMessage, cause error) Entry {
	e := Entry{SQSMessage: msg}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// Sink accepts dead-lettered entries.
type Sink interface {
	Send(ctx context.Context, entry Entry) error
}

// SQSAPI is the subset of the SQS client used by SQSSink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends entries to an SQS queue.
type SQSSink struct {
	Client   SQSAPI
	QueueURL string
}

func (s SQSSink) Send(ctx context.Context, entry Entry) error {
	if s.Client == nil {
		return errors.New("sqs dead-letter sink has no client")
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send dead letter to %s: %w", s.QueueURL, err)
	}
	return nil
}

// QueueSink stores entries on a local queue, one JSON document per item.
type QueueSink struct {
	Queue queue.Queue
}

func (s QueueSink) Send(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	id := entry.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	item := queue.Item{ID: id, Body: string(body), EnqueuedAt: time.Now().UTC()}
	if !s.Queue.Enqueue(ctx, item) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("dead-letter queue rejected entry " + id)
	}
	return nil
}

// Build resolves a dead-letter DSN. sqs://host/path and https://sqs.* URLs
// go to SQS; anything else is handed to queue.Build. An empty dsn returns
// a nil sink.
func Build(dsn string, client SQSAPI) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	if queueURL, ok := sqsQueueURL(dsn); ok {
		if client == nil {
			return nil, fmt.Errorf("dead-letter dsn %s needs an sqs client", dsn)
		}
		return SQSSink{Client: client, QueueURL: queueURL}, nil
	}
	q, err := queue.Build(dsn, 0)
	if err != nil {
		return nil, fmt.Errorf("dead-letter queue: %w", err)
	}
	return QueueSink{Queue: q}, nil
}

func sqsQueueURL(dsn string) (string, bool) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "sqs":
		u.Scheme = "https"
		return u.String(), true
	case "https":
		return dsn, strings.HasPrefix(strings.ToLower(u.Host), "sqs.")
	}
	return "", false
}
