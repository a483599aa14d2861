package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileQueue keeps its items in memory and rewrites a JSON snapshot on
// every change, so a restarted consumer resumes where it stopped.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Item
}

type fileSnapshot struct {
	Items []Item `json:"items"`
}

func NewFile(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Item{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(item Item) bool {
	if !item.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Enqueue(ctx context.Context, item Item) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		if !item.valid() || !waitOrDone(ctx, q.pollInterval) {
			return false
		}
	}
}

func (q *fileQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.tryDequeue(); ok {
			return item, true
		}
		if !waitOrDone(ctx, q.pollInterval) {
			return Item{}, false
		}
	}
}

func (q *fileQueue) tryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Item{item}, q.items...)
		return Item{}, false
	}
	return item, true
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int { return q.capacity }

func (q *fileQueue) Close() error { return nil }

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	// Oldest items are discarded when the snapshot outgrew a smaller capacity.
	if len(snap.Items) > q.capacity {
		q.items = append([]Item(nil), snap.Items[len(snap.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Item(nil), snap.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	data, err := json.Marshal(fileSnapshot{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
