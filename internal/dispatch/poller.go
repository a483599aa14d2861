package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/time/rate"

	"ingestledger/internal/deadletter"
	"ingestledger/internal/logging"
	"ingestledger/internal/queue"
)

const (
	eventSource = "ingestledger:queue"
	// drainWait bounds how long a batch waits for items after the first.
	drainWait = 20 * time.Millisecond
)

// Poller drives a Dispatcher from a local queue, standing in for the
// SQS event source mapping.
type Poller struct {
	Queue      queue.Queue
	Dispatcher Dispatcher
	// DeadLetter receives items that failed MaxReceiveCount times.
	DeadLetter      deadletter.Sink
	BatchSize       int
	MaxReceiveCount int
	Limiter         *rate.Limiter
	Wait            time.Duration
	Logger          logging.Logger
}

// BatchResult counts what one poll did.
type BatchResult struct {
	Received     int `json:"received"`
	Handled      int `json:"handled"`
	Requeued     int `json:"requeued"`
	DeadLettered int `json:"deadLettered"`
}

func (p Poller) log() logging.Logger {
	return logging.OrNop(p.Logger)
}

func (p Poller) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return 10
}

func (p Poller) wait() time.Duration {
	if p.Wait > 0 {
		return p.Wait
	}
	return time.Second
}

// Run polls until ctx is cancelled. Requeue and dead-letter failures are
// logged and polling continues.
func (p Poller) Run(ctx context.Context) error {
	for {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return ignoreCancel(ctx, err)
			}
		}
		if _, err := p.PollOnce(ctx); err != nil {
			p.log().WithContext(ctx).Error("poll finished with errors", "error", err)
		}
		if err := ctx.Err(); err != nil {
			return ignoreCancel(ctx, err)
		}
	}
}

// Drain polls until a poll receives nothing.
func (p Poller) Drain(ctx context.Context) (BatchResult, error) {
	var total BatchResult
	for {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return total, err
			}
		}
		res, err := p.PollOnce(ctx)
		total.Received += res.Received
		total.Handled += res.Handled
		total.Requeued += res.Requeued
		total.DeadLettered += res.DeadLettered
		if err != nil || res.Received == 0 {
			return total, err
		}
	}
}

// PollOnce pulls up to BatchSize items, dispatches them as one batch and
// requeues or dead-letters the failures.
func (p Poller) PollOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	if p.Queue == nil {
		return res, errors.New("poller has no queue")
	}
	items := p.receive(ctx)
	res.Received = len(items)
	if len(items) == 0 {
		return res, nil
	}

	evt := events.SQSEvent{Records: make([]events.SQSMessage, 0, len(items))}
	byID := make(map[string]queue.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
		evt.Records = append(evt.Records, events.SQSMessage{
			MessageId:   it.ID,
			Body:        it.Body,
			EventSource: eventSource,
			Attributes: map[string]string{
				"ApproximateReceiveCount":          strconv.Itoa(it.Attempts + 1),
				"ApproximateFirstReceiveTimestamp": strconv.FormatInt(it.EnqueuedAt.UnixMilli(), 10),
			},
		})
	}
	resp, err := p.Dispatcher.HandleSQSEvent(ctx, evt)
	if err != nil {
		return res, err
	}
	res.Handled = len(items) - len(resp.BatchItemFailures)

	var errs []error
	for _, failure := range resp.BatchItemFailures {
		it, ok := byID[failure.ItemIdentifier]
		if !ok {
			continue
		}
		it.Attempts++
		log := p.log().WithContext(ctx).WithFields(map[string]any{"message_id": it.ID})
		if p.MaxReceiveCount > 0 && it.Attempts >= p.MaxReceiveCount {
			if err := p.deadLetter(ctx, it); err != nil {
				log.Error("dead-letter failed, message dropped", "error", err)
				errs = append(errs, err)
				continue
			}
			log.Warn("message exhausted its receives", "attempts", it.Attempts)
			res.DeadLettered++
			continue
		}
		if !p.Queue.TryEnqueue(it) {
			err := fmt.Errorf("requeue message %s: queue full", it.ID)
			log.Error("requeue failed", "error", err)
			errs = append(errs, err)
			continue
		}
		res.Requeued++
	}
	return res, errors.Join(errs...)
}

func (p Poller) receive(ctx context.Context) []queue.Item {
	items := make([]queue.Item, 0, p.batchSize())
	wait := p.wait()
	for len(items) < p.batchSize() {
		pullCtx, cancel := context.WithTimeout(ctx, wait)
		it, ok := p.Queue.Dequeue(pullCtx)
		cancel()
		if !ok {
			break
		}
		items = append(items, it)
		wait = drainWait
	}
	return items
}

func (p Poller) deadLetter(ctx context.Context, it queue.Item) error {
	if p.DeadLetter == nil {
		return errors.New("no dead-letter sink configured")
	}
	record := events.SQSMessage{MessageId: it.ID, Body: it.Body, EventSource: eventSource}
	cause := fmt.Errorf("message failed %d receives", it.Attempts)
	return p.DeadLetter.Send(ctx, deadletter.NewEntry(record, cause))
}

// ignoreCancel treats a stop requested through ctx as a clean exit.
func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
