package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs events to http(s) topics. Events limits delivery
// to the listed event names; empty delivers all.
type WebhookPublisher struct {
	Client *http.Client
	Secret string
	Events []string
}

func NewWebhookPublisher(secret string, timeout time.Duration, events ...string) WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return WebhookPublisher{Client: &http.Client{Timeout: timeout}, Secret: secret, Events: events}
}

func (w WebhookPublisher) Publish(ctx context.Context, url string, evt Event) error {
	if !newEventFilter(w.Events).match(evt.Event) {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingestledger-Event", evt.Event)
	req.Header.Set("X-Ingestledger-Delivery", uuid.NewString())
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Ingestledger-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", url, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
