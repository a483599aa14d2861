// Package notify publishes record change notifications after commit.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Event is the notification body: {event: Create|Update, record}.
type Event struct {
	Event  string `json:"event"`
	Record any    `json:"record"`
}

// Publisher delivers an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, evt Event) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, evt Event) error {
	return f(ctx, topic, evt)
}

// Mux routes a topic to a publisher by its scheme: SNS topic arns go to SNS,
// http(s) URLs to the webhook publisher. An empty topic is a no-op.
type Mux struct {
	SNS     Publisher
	Webhook Publisher
}

func (m Mux) Publish(ctx context.Context, topic string, evt Event) error {
	topic = strings.TrimSpace(topic)
	switch {
	case topic == "":
		return nil
	case strings.HasPrefix(topic, "arn:aws:sns:"):
		if m.SNS == nil {
			return fmt.Errorf("no sns client configured for topic %s", topic)
		}
		return m.SNS.Publish(ctx, topic, evt)
	case strings.HasPrefix(topic, "http://"), strings.HasPrefix(topic, "https://"):
		if m.Webhook == nil {
			return fmt.Errorf("no webhook publisher configured for topic %s", topic)
		}
		return m.Webhook.Publish(ctx, topic, evt)
	default:
		return fmt.Errorf("unsupported notification topic %q", topic)
	}
}

// Published is one delivery captured by Memory.
type Published struct {
	Topic string
	Event Event
}

// Memory records every delivery. Err, when set, is returned from Publish
// after the event was recorded.
type Memory struct {
	mu     sync.Mutex
	events []Published
	Err    error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, topic string, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Topic: topic, Event: evt})
	return m.Err
}

// Events returns a copy of the deliveries, optionally limited to one topic.
func (m *Memory) Events(topic string) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, 0, len(m.events))
	for _, p := range m.events {
		if topic == "" || p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}
