// Package dispatch feeds queue messages to the record writer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"ingestledger/internal/deadletter"
	"ingestledger/internal/engine"
	"ingestledger/internal/logging"
	"ingestledger/internal/message"
)

// Writer persists one workflow message.
type Writer interface {
	WriteRecords(ctx context.Context, msg *message.Message) (engine.Result, error)
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, msg *message.Message) (engine.Result, error)

func (f WriterFunc) WriteRecords(ctx context.Context, msg *message.Message) (engine.Result, error) {
	return f(ctx, msg)
}

type Dispatcher struct {
	Writer    Writer
	Unwrapper message.Unwrapper
	// Sink receives messages whose records could not be written. With no
	// sink those messages are reported back to the queue instead.
	Sink        deadletter.Sink
	Logger      logging.Logger
	Concurrency int
}

func (d Dispatcher) log() logging.Logger {
	return logging.OrNop(d.Logger)
}

func (d Dispatcher) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return 4
}

// HandleSQSEvent processes a batch and reports the messages the queue
// should redeliver. It has the shape lambda.Start expects.
func (d Dispatcher) HandleSQSEvent(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu     sync.Mutex
		failed = make([]bool, len(evt.Records))
	)
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency())
	for i, record := range evt.Records {
		g.Go(func() error {
			if err := d.Handle(ctx, record); err != nil {
				mu.Lock()
				failed[i] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for i, record := range evt.Records {
		if failed[i] {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	if n := len(resp.BatchItemFailures); n > 0 {
		d.log().WithContext(ctx).Warn("batch finished with failures", "failed", n, "total", len(evt.Records))
	}
	return resp, nil
}

// Handle processes one queue message. A non-nil error means the message
// was neither written nor dead-lettered.
func (d Dispatcher) Handle(ctx context.Context, record events.SQSMessage) error {
	log := d.log().WithContext(ctx).WithFields(map[string]any{"message_id": record.MessageId})
	if d.Writer == nil {
		return errors.New("dispatcher has no writer")
	}
	msg, err := d.Unwrapper.Unwrap(ctx, record.Body)
	if err != nil {
		log.Error("could not unwrap queue message", "error", err)
		return fmt.Errorf("unwrap message %s: %w", record.MessageId, err)
	}
	if arn, err := msg.ExecutionArn(); err == nil {
		log = log.WithFields(map[string]any{"arn": arn})
	}

	res, err := d.Writer.WriteRecords(ctx, msg)
	if err == nil {
		log.Debug("records written", "record_types", res.RecordTypes, "granules", len(res.Granules))
		return nil
	}
	log.Error("writing records failed", "error", err, "code", engine.ErrorCode(err))
	if d.Sink == nil {
		return err
	}
	if sendErr := d.Sink.Send(ctx, deadletter.NewEntry(record, err)); sendErr != nil {
		log.Error("dead-letter send failed", "error", sendErr)
		return errors.Join(err, sendErr)
	}
	log.Warn("message dead-lettered")
	return nil
}
