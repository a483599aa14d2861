// Package queue holds workflow message bodies waiting to be dispatched.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

const defaultCapacity = 1024

var (
	ErrInvalidInput   = errors.New("invalid queue input")
	ErrNotImplemented = errors.New("queue backend not implemented")
)

// Item is one queued message body. Attempts counts prior receives.
type Item struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (it Item) valid() bool {
	return strings.TrimSpace(it.ID) != "" && it.Body != ""
}

// Queue is a bounded FIFO of items. TryEnqueue never blocks; Enqueue and
// Dequeue block until they succeed or ctx is done.
type Queue interface {
	TryEnqueue(item Item) bool
	Enqueue(ctx context.Context, item Item) bool
	Dequeue(ctx context.Context) (Item, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryQueue struct {
	ch chan Item
}

func NewMemory(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &memoryQueue{ch: make(chan Item, capacity)}
}

func (q *memoryQueue) TryEnqueue(item Item) bool {
	if q == nil || !item.valid() {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, item Item) bool {
	if q == nil || !item.valid() {
		return false
	}
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (Item, bool) {
	if q == nil {
		return Item{}, false
	}
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return Item{}, false
	}
}

func (q *memoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryQueue) Close() error { return nil }

// waitOrDone sleeps for d unless ctx ends first.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
